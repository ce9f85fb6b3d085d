// SyndiHub dispatcher.
//
// Runs the outbox, delivery and feed pipelines plus the queue consumers
// against shared PostgreSQL and RabbitMQ. Scale horizontally: the
// outbox lease protocol and skip-locked claims keep replicas from
// double-processing.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/syndihub/syndihub/hub/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("SyndiHub dispatcher starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize dispatcher")
	}
	defer srv.Store.Close()
	defer srv.ShutdownFunc(ctx)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Info().Msg("Shutting down gracefully")
		cancel()
	}()

	srv.RunPipelines(ctx)
	log.Info().Msg("SyndiHub dispatcher stopped")
}
