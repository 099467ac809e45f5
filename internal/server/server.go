// Package server implements the single TCP accept loop that serves both
// client commands and peer consensus RPCs over one listening socket,
// dispatching each connection's frames by the Envelope's Kind tag.
//
// Grounded on the teacher's cmd/server/main.go accept-loop wiring,
// generalized from Gin's HTTP router (which dispatched by URL path) to a
// raw net.Listener dispatching by an explicit Kind discriminant, since a
// framed socket has no router of its own.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/kvraft/kvraft/internal/raft"
	"github.com/kvraft/kvraft/internal/storage"
	"github.com/kvraft/kvraft/internal/wire"
)

// Consensus is the subset of *raft.Node the server needs: handling
// inbound peer RPCs and proposing client writes.
type Consensus interface {
	HandleRequestVote(args wire.RequestVoteArgs) wire.VoteResponse
	HandleAppendEntries(args wire.AppendEntriesArgs) wire.AppendEntriesResponse
	Propose(ctx context.Context, command []byte) (index uint64, err error)
	IsLeader() bool
	LeaderHint() (addr string, ok bool)
}

// Server accepts connections on a single address and serves both roles.
type Server struct {
	addr      string
	engine    *storage.Engine
	consensus Consensus
	log       zerolog.Logger

	listener net.Listener

	connCount int64
	reqCount  int64
}

// New constructs a Server; call Serve to start accepting connections.
func New(addr string, engine *storage.Engine, consensus Consensus, log zerolog.Logger) *Server {
	return &Server{addr: addr, engine: engine, consensus: consensus, log: log}
}

// Serve listens on s.addr and blocks, accepting connections until ctx is
// cancelled or the listener fails. Each connection's frames are served
// sequentially in request order, per spec's ordering guarantee on a
// single connection; separate connections run concurrently.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.log.Info().Str("addr", s.addr).Msg("listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		atomic.AddInt64(&s.connCount, 1)
		go s.handleConn(ctx, conn)
	}
}

// ConnectionCount reports the cumulative number of accepted connections,
// exposed for the admin surface's basic counters.
func (s *Server) ConnectionCount() int64 { return atomic.LoadInt64(&s.connCount) }

// RequestCount reports the cumulative number of frames handled.
func (s *Server) RequestCount() int64 { return atomic.LoadInt64(&s.reqCount) }

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	for {
		payload, err := wire.ReadFrame(r)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.log.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		atomic.AddInt64(&s.reqCount, 1)

		var env wire.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.log.Warn().Err(err).Msg("malformed envelope, closing connection")
			return
		}

		replyEnv, err := s.dispatch(ctx, env)
		if err != nil {
			s.log.Warn().Err(err).Str("kind", env.Kind).Msg("failed to handle frame, closing connection")
			return
		}

		replyPayload, err := json.Marshal(replyEnv)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to encode reply")
			return
		}
		if err := wire.WriteFrame(conn, replyPayload); err != nil {
			s.log.Debug().Err(err).Msg("failed to write reply")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, env wire.Envelope) (wire.Envelope, error) {
	switch env.Kind {
	case wire.KindClientRequest:
		var req wire.ClientRequest
		if err := wire.UnmarshalBody(env, &req); err != nil {
			return wire.Envelope{}, err
		}
		resp := s.handleClientRequest(ctx, req)
		return wire.Wrap(wire.KindClientResponse, resp)

	case wire.KindRequestVote:
		var args wire.RequestVoteArgs
		if err := wire.UnmarshalBody(env, &args); err != nil {
			return wire.Envelope{}, err
		}
		return wire.Wrap(wire.KindVoteResponse, s.consensus.HandleRequestVote(args))

	case wire.KindAppendEntries:
		var args wire.AppendEntriesArgs
		if err := wire.UnmarshalBody(env, &args); err != nil {
			return wire.Envelope{}, err
		}
		return wire.Wrap(wire.KindAppendEntriesAck, s.consensus.HandleAppendEntries(args))

	default:
		return wire.Envelope{}, fmt.Errorf("server: unrecognized frame kind %q", env.Kind)
	}
}

const (
	maxKeyLen   = 4 << 10        // 4 KiB, §3
	maxValueLen = 1 << 20        // 1 MiB, §3
)

func (s *Server) handleClientRequest(ctx context.Context, req wire.ClientRequest) wire.ClientResponse {
	if len(req.Key) == 0 {
		return wire.ErrorResponse("key must not be empty")
	}
	if len(req.Key) > maxKeyLen {
		return wire.ErrorResponse("key exceeds maximum length")
	}
	if req.Op == "Set" && len(req.Value) > maxValueLen {
		return wire.ErrorResponse("value exceeds maximum length")
	}

	switch req.Op {
	case "Get":
		// Reads are served leader-locally from MEM: the node that owns
		// the authoritative committed state for this term.
		if !s.consensus.IsLeader() {
			return s.redirectOrNotLeader()
		}
		v, ok := s.engine.Get(req.Key)
		if !ok {
			return wire.ValueResponse(nil)
		}
		return wire.ValueResponse(&v)

	case "Set":
		cmd, err := storage.EncodeCommand(storage.Command{Op: "SET", Key: req.Key, Value: req.Value})
		if err != nil {
			return wire.ErrorResponse(err.Error())
		}
		return s.proposeAndRespond(ctx, cmd)

	case "Delete":
		cmd, err := storage.EncodeCommand(storage.Command{Op: "DELETE", Key: req.Key})
		if err != nil {
			return wire.ErrorResponse(err.Error())
		}
		// Existence is checked against the leader-local MEM before
		// proposing: the delete always goes through the log (so every
		// replica observes it, even of an absent key), but the success
		// flag per §3 reflects whether the key existed at the time of
		// this request.
		_, existed := s.engine.Get(req.Key)
		if _, err := s.consensus.Propose(ctx, cmd); err != nil {
			if errors.Is(err, raft.ErrNotLeader) {
				return s.redirectOrNotLeader()
			}
			return wire.ErrorResponse(err.Error())
		}
		return wire.SuccessResponse(existed)

	default:
		return wire.ErrorResponse(fmt.Sprintf("unknown operation %q", req.Op))
	}
}

func (s *Server) proposeAndRespond(ctx context.Context, cmd []byte) wire.ClientResponse {
	_, err := s.consensus.Propose(ctx, cmd)
	if err == nil {
		return wire.SuccessResponse(true)
	}
	if errors.Is(err, raft.ErrNotLeader) {
		return s.redirectOrNotLeader()
	}
	return wire.ErrorResponse(err.Error())
}

func (s *Server) redirectOrNotLeader() wire.ClientResponse {
	if addr, ok := s.consensus.LeaderHint(); ok && addr != "" {
		return wire.RedirectResponse(addr)
	}
	return wire.ErrorResponse("NotLeader")
}
