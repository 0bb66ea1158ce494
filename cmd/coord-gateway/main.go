// coord-gateway is an optional local bridge: it subscribes to the broker's
// broadcast channel (and any instance channels named on the command line)
// and fans notification events out to WebSocket clients. It also serves
// the Prometheus metrics endpoint and a health check.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asdlc/coord/internal/config"
	"github.com/asdlc/coord/internal/gateway"
	"github.com/asdlc/coord/internal/kv"
	"github.com/asdlc/coord/internal/model"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	addr := flag.String("addr", "localhost:8765", "listen address")
	instances := flag.String("instances", "", "comma-separated instance channels to bridge in addition to the broadcast channel")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Configuration error", "error", err)
		os.Exit(1)
	}
	store, err := kv.NewRedisStore(cfg.Addr(), cfg.RedisDB)
	if err != nil {
		slog.Error("Datastore unavailable", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	streamer := gateway.NewStreamer()
	go streamer.Run()

	channels := []string{model.TargetAll}
	for _, inst := range strings.Split(*instances, ",") {
		if inst = strings.TrimSpace(inst); inst != "" {
			channels = append(channels, inst)
		}
	}
	ctx := context.Background()
	for _, ch := range channels {
		channel := cfg.NotifyChannel(ch)
		unsub, err := store.Subscribe(ctx, channel, func(payload string) {
			var n model.Notification
			if err := json.Unmarshal([]byte(payload), &n); err != nil {
				slog.Warn("Dropping malformed event", "channel", channel, "error", err)
				return
			}
			streamer.Notify(n)
		})
		if err != nil {
			slog.Error("Subscribe failed", "channel", channel, "error", err)
			os.Exit(1)
		}
		defer unsub()
		slog.Info("Bridging channel", "channel", channel)
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/ws", streamer.HandleWS)

	server := &http.Server{
		Addr:         *addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // websocket writes manage their own deadlines
	}

	go func() {
		slog.Info("Gateway listening", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Gateway server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
