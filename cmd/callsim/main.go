// Call app simulator
//
// Serves a stand-in for the browser call demo so the harness can be run
// without the real app. Point BASE_URL at it:
//
//	callsim --addr :8080 --app-id demo --token demo
//	BASE_URL=http://localhost:8080 loadcall
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/thesyncim/callharness/cmd/callsim/server"
	"github.com/thesyncim/callharness/internal/logging"
)

func main() {
	addr := pflag.String("addr", ":8080", "listen address")
	appID := pflag.String("app-id", "", "accepted app id (empty accepts any)")
	token := pflag.String("token", "", "accepted token (empty accepts any)")
	level := pflag.String("log-level", "info", "log level")
	debug := pflag.Bool("debug", false, "log every request")
	pflag.Parse()

	log.Logger = logging.New(*level, os.Stderr)

	cfg := server.DefaultConfig()
	cfg.Addr = *addr
	cfg.AppID = *appID
	cfg.Token = *token
	cfg.Debug = *debug

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}
	if _, err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	log.Info().Str("url", srv.URL()).Msg("Call app ready")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
}
