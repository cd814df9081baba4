package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbocsi/devrelay/auth"
	"github.com/mbocsi/devrelay/broker"
	"github.com/mbocsi/devrelay/config"
	"github.com/mbocsi/devrelay/server"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		slog.Error("Relay server exited", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("relay", os.Args[1:], os.LookupEnv)
	if err != nil {
		return err
	}
	server.SetupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gate, err := auth.NewJWTGate(auth.JWTOptions{
		Secret: []byte(cfg.Auth.Secret),
		Alg:    cfg.Auth.Alg,
		Issuer: cfg.Auth.Issuer,
		Leeway: cfg.Auth.Leeway,
	})
	if err != nil {
		return fmt.Errorf("auth gate: %w", err)
	}

	bus, err := broker.Dial(ctx, broker.Options{
		Driver:   cfg.Bus.Driver,
		Attempts: cfg.Bus.Attempts,
		Redis: broker.RedisOptions{
			Addr:     cfg.Bus.Redis.Addr,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
			Prefix:   cfg.Bus.Redis.Prefix,
		},
		NATS: broker.NATSOptions{
			Servers:       cfg.Bus.NATS.Servers,
			Name:          cfg.Bus.NATS.Name,
			SubjectPrefix: cfg.Bus.NATS.SubjectPrefix,
		},
		Buffer: cfg.Conn.BusQueue,
	})
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			slog.Warn("Failed to close bus", "error", err)
		}
	}()

	relay, err := server.NewRelayServer(server.Options{
		Config: cfg,
		Gate:   gate,
		Bus:    bus,
	})
	if err != nil {
		return err
	}
	return relay.Start(ctx)
}
