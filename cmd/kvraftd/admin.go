package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvraft/kvraft/internal/admin"
)

// adminServer wraps the admin Gin engine in an http.Server so it can be
// shut down alongside the rest of the node.
type adminServer struct {
	httpSrv *http.Server
	log     zerolog.Logger
}

func startAdmin(addr string, nodeID uint64, consensus admin.Consensus, counters admin.Counters, log zerolog.Logger) *adminServer {
	engine := admin.New(nodeID, consensus, counters, log)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	a := &adminServer{httpSrv: httpSrv, log: log}
	go func() {
		log.Info().Str("addr", addr).Msg("admin surface listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("admin surface stopped unexpectedly")
		}
	}()
	return a
}

func (a *adminServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("admin surface shutdown error")
	}
}
