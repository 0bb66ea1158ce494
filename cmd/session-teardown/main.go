// session-teardown ends a coordination session: best-effort session-end
// announcement and presence deregistration, then worktree removal. The
// worktree is removed even when the datastore is unreachable; only a failed
// removal is a hard error.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/asdlc/coord/internal/broker"
	"github.com/asdlc/coord/internal/config"
	"github.com/asdlc/coord/internal/kv"
	"github.com/asdlc/coord/internal/session"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	role := flag.String("role", "", "session role (required)")
	worktree := flag.String("worktree", "", "worktree path to remove (required)")
	repo := flag.String("repo", "", "main checkout (default: current directory)")
	flag.Parse()

	if *role == "" || *worktree == "" {
		fmt.Fprintln(os.Stderr, "session-teardown: -role and -worktree are required")
		flag.Usage()
		os.Exit(1)
	}

	ctx := context.Background()

	if b, closeFn, err := openBroker(*role); err != nil {
		slog.Warn("Broker unavailable; skipping session-end announcement", "error", err)
	} else {
		session.Teardown(ctx, b, *role)
		closeFn()
	}

	repoRoot := *repo
	if repoRoot == "" {
		repoRoot = "."
	}
	if err := session.RemoveWorktree(ctx, repoRoot, *worktree); err != nil {
		fmt.Fprintln(os.Stderr, "session-teardown:", err)
		os.Exit(1)
	}
	slog.Info("Worktree removed", "path", *worktree)
}

func openBroker(role string) (*broker.Client, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	store, err := kv.NewRedisStore(cfg.Addr(), cfg.RedisDB)
	if err != nil {
		return nil, nil, err
	}
	b, err := broker.New(store, store, cfg, role, nil)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return b, func() { store.Close() }, nil
}
