package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/MHarrison72/ircdd"
)

func main() {
	flags := pflag.NewFlagSet("ircdd", pflag.ExitOnError)
	ircdd.RegisterFlags(flags)
	flags.Parse(os.Args[1:])

	cfg, err := ircdd.LoadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ircdd: %v\n", err)
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Str("node", cfg.Hostname).Logger()

	db, err := ircdd.OpenDatabase(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot reach document store")
	}
	defer db.Close()
	if err := db.Init(); err != nil {
		logger.Fatal().Err(err).Msg("cannot bootstrap document store")
	}

	bus, err := ircdd.NewNSQBus(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cannot create message bus")
	}
	defer bus.Close()

	srv := ircdd.NewServer(cfg, db, bus, &logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("cannot bind listener")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		srv.Shutdown()
		ln.Close()
	}()

	srv.Start()
	logger.Info().Str("addr", addr).Msg("listening")
	if err := srv.Serve(ln); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}
