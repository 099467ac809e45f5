// cmd/kvraftd is the server entrypoint: one replica of the cluster,
// serving both client commands and peer consensus RPCs on one TCP
// listener, plus an optional admin HTTP surface.
//
// Configuration is environment-first (DB_SERVER_ADDR, NODE_ID,
// PEER_ADDRESSES, DATA_DIR), with the matching flags (-server-addr,
// -node-id, -peers, -data-dir) overriding —
// grounded on the teacher's cmd/server/main.go flag/signal/shutdown
// structure, retargeted from HTTP+quorum-replication to a TCP+Raft
// stack.
//
// Example — single node:
//
//	DB_SERVER_ADDR=127.0.0.1:6570 NODE_ID=1 ./kvraftd
//
// Example — 3-node cluster:
//
//	NODE_ID=1 DB_SERVER_ADDR=127.0.0.1:6570 PEER_ADDRESSES=2=127.0.0.1:6571,3=127.0.0.1:6572 ./kvraftd
//	NODE_ID=2 DB_SERVER_ADDR=127.0.0.1:6571 PEER_ADDRESSES=1=127.0.0.1:6570,3=127.0.0.1:6572 ./kvraftd
//	NODE_ID=3 DB_SERVER_ADDR=127.0.0.1:6572 PEER_ADDRESSES=1=127.0.0.1:6570,2=127.0.0.1:6571 ./kvraftd
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kvraft/kvraft/internal/admin"
	"github.com/kvraft/kvraft/internal/config"
	"github.com/kvraft/kvraft/internal/index"
	"github.com/kvraft/kvraft/internal/logx"
	"github.com/kvraft/kvraft/internal/raft"
	"github.com/kvraft/kvraft/internal/server"
	"github.com/kvraft/kvraft/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	serverAddr := flag.String("server-addr", "", "Client/peer listen address (overrides DB_SERVER_ADDR)")
	nodeID := flag.String("node-id", "", "Unique node id (overrides NODE_ID)")
	peers := flag.String("peers", "", "Comma-separated id=host:port list (overrides PEER_ADDRESSES)")
	dataDir := flag.String("data-dir", "", "Per-node data directory root (overrides DATA_DIR)")
	adminAddr := flag.String("admin-addr", "", "Optional admin/health HTTP listen address")
	withIndex := flag.Bool("with-index", false, "Attach the embedded pebble secondary index")
	flag.Parse()

	cfg, err := config.Load(config.Options{
		ServerAddr: *serverAddr,
		NodeID:     *nodeID,
		Peers:      *peers,
		DataDir:    *dataDir,
		AdminAddr:  *adminAddr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvraftd: configuration error: %v\n", err)
		return 1
	}

	nodeIDStr := fmt.Sprintf("%d", cfg.NodeID)
	log := logx.New(nodeIDStr, "kvraftd", logx.Console())

	var opts []storage.Option
	opts = append(opts, storage.WithCompactionThreshold(cfg.CompactionThreshold))
	if *withIndex {
		idx, err := index.Open(cfg.DataDir + "/index")
		if err != nil {
			log.Error().Err(err).Msg("failed to open secondary index, continuing without it")
		} else {
			opts = append(opts, storage.WithIndex(idx))
		}
	}

	engineLog := logx.New(nodeIDStr, "storage", logx.Console())
	engine, err := storage.Open(cfg.DataDir, &engineLog, opts...)
	if err != nil {
		log.Error().Err(err).Msg("unrecoverable storage error during startup")
		return 2
	}
	defer engine.Close()

	var raftPeers []raft.Peer
	for _, p := range cfg.Peers {
		raftPeers = append(raftPeers, raft.Peer{ID: p.ID, Addr: p.Address})
	}

	raftLog := logx.New(nodeIDStr, "raft", logx.Console())
	node, err := raft.New(raft.Config{
		NodeID:  cfg.NodeID,
		Peers:   raftPeers,
		DataDir: cfg.DataDir,
	}, engine, raft.NewTCPTransport(), raftLog)
	if err != nil {
		log.Error().Err(err).Msg("unrecoverable error initializing consensus state")
		return 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Run(ctx)

	srv := server.New(cfg.ServerAddr, engine, node, logx.New(nodeIDStr, "server", logx.Console()))
	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	var adminSrv *adminServer
	if cfg.AdminAddr != "" {
		adminLog := logx.New(nodeIDStr, "admin", logx.Console())
		adminSrv = startAdmin(cfg.AdminAddr, cfg.NodeID, node, srv, adminLog)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil {
			log.Error().Err(err).Msg("unrecoverable server error")
			return 2
		}
	}

	cancel()
	node.Stop()
	if adminSrv != nil {
		adminSrv.shutdown()
	}

	if err := engine.Snapshot(); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	}
	return 0
}
