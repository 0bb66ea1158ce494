// Package session prepares and tears down the environment a coordination
// session runs in: the linked worktree, the git author identity, the
// identity descriptor, and the best-effort presence lifecycle around it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asdlc/coord/internal/broker"
	"github.com/asdlc/coord/internal/gate"
	"github.com/asdlc/coord/internal/identity"
)

const gitTimeout = 30 * time.Second

// LaunchOptions configures worktree creation for one session.
type LaunchOptions struct {
	// Role is the instance identity (backend, frontend, p11-guardrails, …).
	Role string

	// RepoRoot is the main checkout. Defaults to the current git toplevel.
	RepoRoot string

	// Branch is the session branch; defaults to "<role>/work". It must
	// carry the role prefix or the gates will refuse the session's own
	// commits.
	Branch string

	// WorktreePath is where the linked worktree lives; defaults to a
	// sibling directory "<repo>-<role>".
	WorktreePath string

	// ForbiddenPaths and CanMerge seed the identity descriptor.
	ForbiddenPaths []string
	CanMerge       bool
}

// LaunchResult reports what the launcher prepared.
type LaunchResult struct {
	Role         string
	Branch       string
	WorktreePath string
	SessionID    string
}

// Launch creates or re-attaches the session worktree, configures the git
// author to the role address, and writes the identity descriptor. It does
// not spawn the tool host; it prepares the environment the host expects.
func Launch(ctx context.Context, opts LaunchOptions) (*LaunchResult, error) {
	if opts.Role == "" {
		return nil, fmt.Errorf("role is required")
	}
	if opts.RepoRoot == "" {
		root, err := gitOutput(ctx, "", "rev-parse", "--show-toplevel")
		if err != nil {
			return nil, fmt.Errorf("locate repository root: %w", err)
		}
		opts.RepoRoot = root
	}
	if opts.Branch == "" {
		opts.Branch = opts.Role + "/work"
	}
	if !strings.HasPrefix(opts.Branch, opts.Role+"/") {
		return nil, fmt.Errorf("branch %s must start with %s/", opts.Branch, opts.Role)
	}
	if opts.WorktreePath == "" {
		opts.WorktreePath = filepath.Join(
			filepath.Dir(opts.RepoRoot),
			filepath.Base(opts.RepoRoot)+"-"+opts.Role)
	}

	if _, err := os.Stat(opts.WorktreePath); os.IsNotExist(err) {
		// -B re-attaches an existing session branch instead of failing.
		if _, err := gitOutput(ctx, opts.RepoRoot,
			"worktree", "add", "-B", opts.Branch, opts.WorktreePath); err != nil {
			return nil, fmt.Errorf("create worktree: %w", err)
		}
		slog.Info("Worktree created", "path", opts.WorktreePath, "branch", opts.Branch)
	} else {
		slog.Info("Re-attaching existing worktree", "path", opts.WorktreePath)
	}

	email := fmt.Sprintf("claude-%s@asdlc.local", opts.Role)
	if _, err := gitOutput(ctx, opts.WorktreePath, "config", "user.email", email); err != nil {
		return nil, fmt.Errorf("configure git author: %w", err)
	}
	if _, err := gitOutput(ctx, opts.WorktreePath, "config", "user.name", "claude-"+opts.Role); err != nil {
		return nil, fmt.Errorf("configure git author name: %w", err)
	}

	desc := &gate.Descriptor{
		InstanceID:     opts.Role,
		BranchPrefix:   opts.Role + "/",
		ForbiddenPaths: opts.ForbiddenPaths,
		CanMerge:       opts.CanMerge,
	}
	if err := gate.WriteDescriptor(opts.WorktreePath, desc); err != nil {
		return nil, fmt.Errorf("write identity descriptor: %w", err)
	}

	return &LaunchResult{
		Role:         opts.Role,
		Branch:       opts.Branch,
		WorktreePath: opts.WorktreePath,
		SessionID:    uuid.NewString(),
	}, nil
}

// Instructions renders the next steps printed after a successful launch.
func (r *LaunchResult) Instructions() string {
	return fmt.Sprintf(`Session %q is ready.

  cd %s
  export %s=%s

Then start your interactive session; the startup hook registers presence
and drains queued notifications.`,
		r.Role, r.WorktreePath, identity.EnvInstanceID, r.Role)
}

// Startup runs at each new interactive session: register presence, drain
// queued offline notifications, and announce the session. Every step is
// best-effort — a cold datastore degrades to warnings, never a failed
// session start.
func Startup(ctx context.Context, b *broker.Client, role, sessionID string) {
	if err := b.Register(ctx, role, sessionID); err != nil {
		slog.Warn("Presence registration failed", "role", role, "error", err)
	}
	notifs, err := b.PopNotifications(ctx, role, 100)
	if err != nil {
		slog.Warn("Could not drain offline notifications", "role", role, "error", err)
	} else if len(notifs) > 0 {
		slog.Info("Queued notifications delivered", "role", role, "count", len(notifs))
		for _, n := range notifs {
			slog.Info("Notification",
				"message_id", n.MessageID, "type", n.Type, "from", n.From,
				"requires_ack", n.RequiresAck, "timestamp", n.Timestamp)
		}
	}
	announceLifecycle(ctx, b, role, "session-start")
}

// Teardown publishes the session-end announcement and deregisters
// presence. Datastore unavailability downgrades both to warnings; worktree
// removal happens regardless in RemoveWorktree.
func Teardown(ctx context.Context, b *broker.Client, role string) {
	announceLifecycle(ctx, b, role, "session-end")
	if err := b.Unregister(ctx, role); err != nil {
		slog.Warn("Presence deregistration failed", "role", role, "error", err)
	}
}

// announceLifecycle publishes the lifecycle status message. Lifecycle
// announcements ride the STATUS_UPDATE type with a fixed subject; they
// never require acknowledgment and never fail the caller.
func announceLifecycle(ctx context.Context, b *broker.Client, role, subject string) {
	_, err := b.Publish(ctx, "STATUS_UPDATE", subject,
		fmt.Sprintf("Instance %s %s at %s", role, subject, time.Now().UTC().Format(time.RFC3339)),
		role, "all", false)
	if err != nil {
		slog.Warn("Lifecycle announcement failed", "role", role, "subject", subject, "error", err)
	}
}

// RemoveWorktree detaches a session worktree from the main checkout. The
// --force removal still succeeds with uncommitted changes; the branch is
// left in place for review.
func RemoveWorktree(ctx context.Context, repoRoot, worktreePath string) error {
	if _, err := gitOutput(ctx, repoRoot, "worktree", "remove", "--force", worktreePath); err != nil {
		return fmt.Errorf("remove worktree %s: %w", worktreePath, err)
	}
	return nil
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
