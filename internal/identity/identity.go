// Package identity resolves the caller's instance identity once at process
// start. Precedence: the CLAUDE_INSTANCE_ID environment variable, then the
// worktree check, then the configured git author email. The resolver fails
// closed — it never returns an empty identity and never "unknown" — and
// every failure carries a remediation pointing at exactly what to fix.
package identity

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// EnvInstanceID is the environment variable that overrides all other
// identity sources.
const EnvInstanceID = "CLAUDE_INSTANCE_ID"

// gitTimeout bounds every git subprocess; a hung git is a hard failure.
const gitTimeout = 5 * time.Second

// roleEmailPattern recognizes the per-role git author emails the session
// launcher configures, e.g. claude-backend@asdlc.local.
var roleEmailPattern = regexp.MustCompile(`^claude-([a-z0-9][a-z0-9-]*)@asdlc\.local$`)

// ResolveError carries both the failure reason and the remediation shown to
// the user.
type ResolveError struct {
	Reason      string
	Remediation string
}

func (e *ResolveError) Error() string {
	return e.Reason + "\n" + e.Remediation
}

const remediation = "Set CLAUDE_INSTANCE_ID to your session role (backend, frontend, orchestrator, devops, pm, or a feature context like p11-guardrails), or configure git user.email to claude-<role>@asdlc.local."

// Resolve determines the instance identity for this process.
func Resolve(ctx context.Context) (string, error) {
	return resolve(ctx, os.Getenv(EnvInstanceID), runGit)
}

// resolve is the testable core; git abstracts the subprocess calls. An env
// value of "unknown" is treated like an unset variable: it falls through to
// the worktree check and the git author email.
func resolve(ctx context.Context, envID string, git gitFunc) (string, error) {
	if envID != "" && envID != "unknown" {
		return envID, nil
	}

	root, err := git(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", &ResolveError{
			Reason:      fmt.Sprintf("could not locate repository root: %v", err),
			Remediation: remediation,
		}
	}

	linked, err := isLinkedWorktree(root)
	if err != nil {
		return "", &ResolveError{
			Reason:      fmt.Sprintf("could not inspect worktree at %s: %v", root, err),
			Remediation: remediation,
		}
	}
	if linked {
		// A linked worktree is always a session checkout; an identity must
		// be explicit there.
		return "", &ResolveError{
			Reason:      "running in a linked worktree without CLAUDE_INSTANCE_ID",
			Remediation: "Set CLAUDE_INSTANCE_ID to this session's role before starting the tool host.",
		}
	}

	email, err := git(ctx, "config", "user.email")
	if err != nil || email == "" {
		return "", &ResolveError{
			Reason:      "no CLAUDE_INSTANCE_ID set and git user.email is not configured",
			Remediation: remediation,
		}
	}
	role, ok := RoleFromEmail(email)
	if !ok {
		return "", &ResolveError{
			Reason:      fmt.Sprintf("no CLAUDE_INSTANCE_ID set and git user.email %q is not a recognized role address", email),
			Remediation: remediation,
		}
	}
	return role, nil
}

// RoleFromEmail extracts the session role from a recognized git author
// email (claude-<role>@asdlc.local).
func RoleFromEmail(email string) (string, bool) {
	m := roleEmailPattern.FindStringSubmatch(strings.TrimSpace(email))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// isLinkedWorktree reports whether the checkout at root is a linked git
// worktree: its .git entry is a pointer file rather than a directory.
func isLinkedWorktree(root string) (bool, error) {
	info, err := os.Stat(filepath.Join(root, ".git"))
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

type gitFunc func(ctx context.Context, args ...string) (string, error)

func runGit(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "git", args...).Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
