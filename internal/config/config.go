// Package config resolves a node's runtime configuration from environment
// variables, with the matching command-line flags (-server-addr, -node-id,
// -peers, -data-dir, -admin-addr in cmd/kvraftd) taking precedence —
// generalized from the teacher's cmd/server/main.go flag.String/flag.Int
// layer, but env-first per the wire contract (DB_SERVER_ADDR, NODE_ID,
// PEER_ADDRESSES, DATA_DIR).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ConfigError wraps a problem with the startup configuration. main() maps
// this to exit code 1.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Peer is one other member of the static cluster.
type Peer struct {
	ID      uint64
	Address string
}

// Config is the fully-resolved startup configuration for one node.
type Config struct {
	ServerAddr          string // DB_SERVER_ADDR — client + peer listen address
	NodeID              uint64 // NODE_ID
	Peers               []Peer // PEER_ADDRESSES, excluding self
	DataDir             string // DATA_DIR
	AdminAddr           string // health/debug HTTP surface
	CompactionThreshold uint64 // SE snapshot trigger
}

// Options carries flag overrides; zero values mean "not set, use env/default".
type Options struct {
	ServerAddr string
	NodeID     string
	Peers      string
	DataDir    string
	AdminAddr  string
}

const defaultCompactionThreshold = 10000

// Load resolves configuration from the process environment, with any
// non-empty field of opts overriding the matching environment variable.
func Load(opts Options) (*Config, error) {
	serverAddr := firstNonEmpty(opts.ServerAddr, os.Getenv("DB_SERVER_ADDR"), "127.0.0.1:6570")

	nodeIDStr := firstNonEmpty(opts.NodeID, os.Getenv("NODE_ID"))
	if nodeIDStr == "" {
		return nil, configErrorf("NODE_ID is required")
	}
	nodeID, err := strconv.ParseUint(nodeIDStr, 10, 64)
	if err != nil {
		return nil, configErrorf("NODE_ID %q is not a valid uint64: %v", nodeIDStr, err)
	}

	peersStr := firstNonEmpty(opts.Peers, os.Getenv("PEER_ADDRESSES"))
	peers, err := parsePeers(peersStr)
	if err != nil {
		return nil, err
	}
	for _, p := range peers {
		if p.ID == nodeID {
			return nil, configErrorf("PEER_ADDRESSES lists this node's own id (%d); peers must exclude self", nodeID)
		}
	}

	dataDir := firstNonEmpty(opts.DataDir, os.Getenv("DATA_DIR"), "./databases/kvraft/db")
	dataDir = fmt.Sprintf("%s/%d", strings.TrimRight(dataDir, "/"), nodeID)

	adminAddr := firstNonEmpty(opts.AdminAddr, os.Getenv("ADMIN_ADDR"), "")

	return &Config{
		ServerAddr:          serverAddr,
		NodeID:              nodeID,
		Peers:               peers,
		DataDir:             dataDir,
		AdminAddr:           adminAddr,
		CompactionThreshold: defaultCompactionThreshold,
	}, nil
}

// parsePeers parses "id=host:port,id=host:port,...".
func parsePeers(raw string) ([]Peer, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var peers []Peer
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, configErrorf("invalid PEER_ADDRESSES entry %q: expected id=host:port", entry)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, configErrorf("invalid peer id in %q: %v", entry, err)
		}
		peers = append(peers, Peer{ID: id, Address: parts[1]})
	}
	return peers, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
