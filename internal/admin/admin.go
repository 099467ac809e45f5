// Package admin implements the small Gin-based HTTP surface used for
// health checks and basic counters. It deliberately does not carry the
// teacher's full REST API (no /kv/*, no /cluster/join or /cluster/leave):
// those routes served dynamic membership and quorum reads/writes, which
// this node's fixed-peer-set design has no use for.
//
// Grounded on the teacher's internal/api/middleware.go (Logger/Recovery),
// generalized from log.Printf to the zerolog logger every other component
// uses, so admin requests show up in the same structured stream.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Status reports a node's identity and role, answered by /healthz.
type Status struct {
	NodeID      uint64 `json:"node_id"`
	Role        string `json:"role"`
	IsLeader    bool   `json:"is_leader"`
	Connections int64  `json:"connections"`
	Requests    int64  `json:"requests"`
}

// Consensus is the subset of *raft.Node the admin surface reads.
type Consensus interface {
	IsLeader() bool
}

// Counters is the subset of *server.Server the admin surface reads.
type Counters interface {
	ConnectionCount() int64
	RequestCount() int64
}

// New builds the Gin engine serving /healthz. nodeID is reported as-is;
// consensus and counters may be nil, in which case the fields they supply
// are left at their zero values.
func New(nodeID uint64, consensus Consensus, counters Counters, log zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(loggerMiddleware(log), recoveryMiddleware(log))

	r.GET("/healthz", func(c *gin.Context) {
		status := Status{NodeID: nodeID}
		if consensus != nil {
			status.IsLeader = consensus.IsLeader()
			if status.IsLeader {
				status.Role = "leader"
			} else {
				status.Role = "follower"
			}
		}
		if counters != nil {
			status.Connections = counters.ConnectionCount()
			status.Requests = counters.RequestCount()
		}
		c.JSON(http.StatusOK, status)
	})

	return r
}

// loggerMiddleware is the teacher's Logger() generalized to zerolog.
func loggerMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("admin request")
	}
}

// recoveryMiddleware is the teacher's Recovery() generalized to zerolog.
func recoveryMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("panic", err).Msg("recovered panic in admin handler")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

