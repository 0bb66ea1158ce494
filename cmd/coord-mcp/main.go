// coord-mcp is the tool host: a line-delimited JSON-RPC 2.0 server over
// stdin/stdout exposing the coordination broker to one session. Identity is
// resolved once at startup and every publish is attributed to it; the
// datastore connection opens lazily on the first tool call.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/asdlc/coord/internal/broker"
	"github.com/asdlc/coord/internal/config"
	"github.com/asdlc/coord/internal/identity"
	"github.com/asdlc/coord/internal/kv"
	"github.com/asdlc/coord/internal/mcp"
	"github.com/asdlc/coord/internal/metrics"
)

func main() {
	// Stdout is reserved for the protocol; everything else goes to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	id, err := identity.Resolve(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "identity resolution failed:", err)
		os.Exit(1)
	}
	slog.Info("Tool host starting", "identity", id)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	var (
		storeMu sync.Mutex
		store   *kv.RedisStore
	)
	factory := func() (*broker.Client, error) {
		storeMu.Lock()
		defer storeMu.Unlock()
		if store == nil {
			s, err := kv.NewRedisStore(cfg.Addr(), cfg.RedisDB)
			if err != nil {
				return nil, err
			}
			store = s
		}
		return broker.New(store, store, cfg, id, metrics.NewMetrics())
	}

	server := mcp.NewServer(id, factory)

	// Cooperative shutdown: a signal closes the connection; the read loop
	// ends when stdin does.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("Shutting down", "signal", sig)
		closeStore(&storeMu, &store)
		os.Exit(0)
	}()

	if err := server.Serve(os.Stdin, os.Stdout); err != nil {
		slog.Error("Serve failed", "error", err)
		closeStore(&storeMu, &store)
		os.Exit(1)
	}
	closeStore(&storeMu, &store)
}

func closeStore(mu *sync.Mutex, store **kv.RedisStore) {
	mu.Lock()
	defer mu.Unlock()
	if *store != nil {
		_ = (*store).Close()
		*store = nil
	}
}
