package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/spf13/cobra"

	"github.com/alimasry/go-collab-history/config"
	"github.com/alimasry/go-collab-history/server"
	"github.com/alimasry/go-collab-history/store"
)

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket history server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := slog.Default().With("component", "main")

	shutdownTracing, err := initTracing(ctx, cfg.TracingEnabled)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	archive, closeArchive, err := openArchive(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeArchive(); err != nil {
			logger.Error("closing history archive", slog.Any("error", err))
		}
	}()

	hub := server.NewHub(archive, server.Config{
		History:        cfg.History,
		TracingEnabled: cfg.TracingEnabled,
		ApplyTimeout:   cfg.Client.ApplyTimeout,
	})
	go hub.Run()

	srv := &http.Server{Addr: cfg.Addr, Handler: server.NewHandler(hub)}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("starting server",
		slog.String("addr", cfg.Addr),
		slog.String("store", cfg.Store.Backend),
		slog.Bool("cached", cfg.Store.Cached),
	)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	hub.Shutdown()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// openArchive builds the configured HistoryStore. The returned func
// flushes and releases it.
func openArchive(ctx context.Context, cfg config.StoreConfig) (store.HistoryStore, func() error, error) {
	var (
		backing store.HistoryStore
		closeFn = func() error { return nil }
	)
	switch cfg.Backend {
	case config.BackendMemory:
		backing = store.NewMemoryStore()
	case config.BackendBadger:
		bs, err := store.OpenBadgerStore(store.BadgerConfig{
			Path:       cfg.BadgerPath,
			SyncWrites: true,
			Logger:     slog.Default().With("component", "badger"),
		})
		if err != nil {
			return nil, nil, err
		}
		backing, closeFn = bs, bs.Close
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("firestore client: %w", err)
		}
		backing, closeFn = store.NewFirestoreStore(client), client.Close
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	if !cfg.Cached {
		return backing, closeFn, nil
	}
	cs := store.NewCachedStore(backing, cfg.FlushInterval)
	return cs, func() error {
		cs.Close()
		return closeFn()
	}, nil
}
