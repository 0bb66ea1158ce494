// session-launch prepares the environment for one coordination session: it
// creates or re-attaches a branch-named worktree, configures the git author
// to the role address, writes the identity descriptor, and prints the next
// steps. It does not spawn the tool host.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/asdlc/coord/internal/broker"
	"github.com/asdlc/coord/internal/config"
	"github.com/asdlc/coord/internal/kv"
	"github.com/asdlc/coord/internal/session"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	role := flag.String("role", "", "session role or feature context (required)")
	branch := flag.String("branch", "", "session branch (default <role>/work)")
	worktree := flag.String("worktree", "", "worktree path (default sibling <repo>-<role>)")
	repo := flag.String("repo", "", "main checkout (default: current git toplevel)")
	forbidden := flag.String("forbidden", "", "comma-separated forbidden path patterns")
	canMerge := flag.Bool("can-merge", false, "allow merges into main/master")
	register := flag.Bool("register", true, "register presence after launch (best effort)")
	flag.Parse()

	if *role == "" {
		fmt.Fprintln(os.Stderr, "session-launch: -role is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx := context.Background()
	opts := session.LaunchOptions{
		Role:         *role,
		RepoRoot:     *repo,
		Branch:       *branch,
		WorktreePath: *worktree,
		CanMerge:     *canMerge,
	}
	if *forbidden != "" {
		for _, p := range strings.Split(*forbidden, ",") {
			if p = strings.TrimSpace(p); p != "" {
				opts.ForbiddenPaths = append(opts.ForbiddenPaths, p)
			}
		}
	}

	result, err := session.Launch(ctx, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "session-launch:", err)
		os.Exit(1)
	}

	if *register {
		// Best effort: a cold datastore must not block the launch.
		if b, closeFn, err := openBroker(*role); err != nil {
			slog.Warn("Broker unavailable; presence not registered", "error", err)
		} else {
			session.Startup(ctx, b, *role, result.SessionID)
			closeFn()
		}
	}

	fmt.Println(result.Instructions())
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
