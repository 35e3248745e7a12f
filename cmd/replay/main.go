// Package main is the operator tool that reprocesses ledger events.
//
// Usage:
//
//	replay [-config path] <ledger-event-id>...
//
// Each event is processed synchronously with the same pipeline the API
// workers use, then its final ledger state is printed as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/onnwee/slotpay/internal/config"
	"github.com/onnwee/slotpay/internal/credential"
	"github.com/onnwee/slotpay/internal/db"
	"github.com/onnwee/slotpay/internal/events"
	"github.com/onnwee/slotpay/internal/gateway"
	"github.com/onnwee/slotpay/internal/ledger"
	"github.com/onnwee/slotpay/internal/middleware"
	"github.com/onnwee/slotpay/internal/payment"
	"github.com/onnwee/slotpay/internal/processor"
	"github.com/onnwee/slotpay/internal/reconcile"
	"github.com/onnwee/slotpay/internal/resolver"
	"github.com/onnwee/slotpay/internal/tenant"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help || flag.NArg() == 0 {
		fmt.Println("Slotpay Ledger Replay")
		fmt.Println()
		fmt.Println("Usage: replay [options] <ledger-event-id>...")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		if *help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, errs := config.Load(*configPath)
	env := config.DefaultEnv
	if cfg != nil {
		env = cfg.Env
	}
	logger := middleware.NewLogger(env)
	slog.SetDefault(logger)
	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed, err := run(ctx, cfg, logger, flag.Args())
	if err != nil {
		logger.Error("replay aborted", "error", err)
		os.Exit(1)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, ids []string) (int, error) {
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	sealer, err := tenant.NewSealer(cfg.TokenEncryptionKey)
	if err != nil {
		return 0, fmt.Errorf("init token sealer: %w", err)
	}
	accounts := tenant.NewPostgresRepository(conn, sealer)
	txs := payment.NewPostgresRepository(conn)

	publisher, err := events.New(events.Config{
		Transport:    events.Transport(cfg.EventsTransport),
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
		AMQPURL:      cfg.AMQPURL,
		AMQPExchange: cfg.AMQPExchange,
	})
	if err != nil {
		return 0, fmt.Errorf("init events publisher: %w", err)
	}
	defer publisher.Close()

	gateways := gateway.Build(cfg)
	credCfg := credential.DefaultConfig()
	credCfg.DefaultTokenTTL = cfg.StripeTokenTTL
	credentials := credential.NewManager(accounts, gateways.Registry, credCfg, logger, nil)

	proc := processor.New(
		ledger.New(ledger.NewPostgresRepository(conn), nil, logger),
		resolver.New(gateways.Registry, accounts, txs, credentials, gateways.Platform, logger),
		reconcile.New(txs, publisher, logger, nil),
		credentials,
		logger,
		nil,
	)
	return replay(ctx, proc, ids, os.Stdout, logger), nil
}

// EventProcessor reprocesses a single ledger event.
type EventProcessor interface {
	ProcessByID(ctx context.Context, id string) (*ledger.Event, error)
}

// replay processes each id in order, writing the resulting ledger row per
// line to out, and returns how many failed.
func replay(ctx context.Context, proc EventProcessor, ids []string, out io.Writer, logger *slog.Logger) int {
	enc := json.NewEncoder(out)
	failed := 0
	for i, id := range ids {
		if ctx.Err() != nil {
			remaining := len(ids) - i
			logger.Warn("replay interrupted", "remaining", remaining)
			return failed + remaining
		}
		ev, err := proc.ProcessByID(ctx, id)
		if err != nil {
			failed++
			logger.Error("replay failed", "event_id", id, "error", err)
		} else {
			logger.Info("replay succeeded", "event_id", id, "status", ev.Status)
		}
		if ev != nil {
			if encErr := enc.Encode(ev); encErr != nil {
				logger.Warn("failed to write event", "event_id", id, "error", encErr)
			}
		}
	}
	return failed
}
