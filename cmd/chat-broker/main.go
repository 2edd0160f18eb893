package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/broker"
	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/config"
	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/deadletter"
	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/httpapi"
	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/responder"
	"github.com/ianlintner/Example-React-AI-Chat-App-sub001/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("chat-broker: %v", err)
	}
}

// run serves until ctx is cancelled or the listener fails.
func run(ctx context.Context, args []string) error {
	flagSet := pflag.NewFlagSet("chat-broker", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to YAML config file")
	addr := flagSet.String("addr", "", "admin HTTP listen address (overrides PORT)")
	backend := flagSet.String("dead-letter-backend", "", "dead-letter journal backend: memory, file or sqlite")
	dlPath := flagSet.String("dead-letter-path", "", "dead-letter journal file or database path")
	enableResponder := flagSet.Bool("responder", false, "answer chat_messages with the Anthropic API")
	otlpEndpoint := flagSet.String("otlp-endpoint", "", "OTLP/HTTP trace collector host:port")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, func(c *config.Config) {
		if flagSet.Changed("addr") {
			c.Addr = *addr
		}
		if flagSet.Changed("dead-letter-backend") {
			c.DeadLetter.Backend = *backend
		}
		if flagSet.Changed("dead-letter-path") {
			c.DeadLetter.Path = *dlPath
		}
		if flagSet.Changed("responder") {
			c.Responder.Enabled = *enableResponder
		}
		if flagSet.Changed("otlp-endpoint") {
			c.Tracing.Endpoint = *otlpEndpoint
		}
	})
	if err != nil {
		return err
	}

	tp, err := tracing.Setup(ctx, tracing.Options{
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Printf("tracer shutdown: %v", err)
		}
	}()

	journal, err := openJournal(cfg.DeadLetter)
	if err != nil {
		return err
	}
	defer journal.Close()

	logger := log.New(os.Stdout, "chat-broker ", log.LstdFlags)
	b := broker.New(broker.Config{
		RetryBase:      cfg.Broker.RetryBase,
		RetryCap:       cfg.Broker.RetryCap,
		HandlerTimeout: cfg.Broker.HandlerTimeout,
		MaxEvents:      cfg.Broker.MaxEvents,
		Logger:         logger,
	})
	if err := b.Connect(); err != nil {
		return err
	}
	// Disconnect waits for running deliveries, so it must run before the
	// journal is closed.
	defer b.Disconnect()
	b.OnDeadLetter(deadletter.Observer(journal, logger))

	if cfg.Responder.Enabled {
		caller, err := responder.NewAnthropicCaller(cfg.Responder.APIKey, cfg.Responder.Model, cfg.Responder.MaxTokens)
		if err != nil {
			return err
		}
		r, err := responder.New(responder.Config{
			Broker:       b,
			Caller:       caller,
			SystemPrompt: cfg.Responder.SystemPrompt,
		})
		if err != nil {
			return err
		}
		if err := r.Start(); err != nil {
			return err
		}
		log.Printf("responder subscribed queue=%s model=%s", broker.QueueChatMessages, caller.ModelName())
	}

	if cfg.DeadLetter.Retention > 0 {
		go pruneLoop(ctx, journal, cfg.DeadLetter.Retention)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewServer(b, journal),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Printf("chat-broker listening on %s dead_letter_backend=%s", cfg.Addr, cfg.DeadLetter.Backend)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Printf("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func openJournal(cfg config.DeadLetterConfig) (deadletter.Journal, error) {
	switch cfg.Backend {
	case "sqlite":
		j, err := deadletter.NewSQLiteJournal(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize sqlite journal (%s): %w", cfg.Path, err)
		}
		log.Printf("using sqlite dead-letter journal at %s", cfg.Path)
		return j, nil
	case "file":
		j, err := deadletter.NewFileJournal(cfg.Path, cfg.MaxRecords)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize file journal (%s): %w", cfg.Path, err)
		}
		log.Printf("using file dead-letter journal at %s", cfg.Path)
		return j, nil
	default:
		return deadletter.NewMemoryJournal(cfg.MaxRecords), nil
	}
}

func pruneLoop(ctx context.Context, j deadletter.Journal, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := j.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Printf("dead-letter prune failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("dead-letter pruned records=%d", n)
			}
		}
	}
}
