package gate

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Operation is the gate input read from stdin: the pending tool call.
type Operation struct {
	ToolName  string                 `json:"tool_name"`
	ToolInput map[string]interface{} `json:"tool_input"`
}

// fileToolPathFields maps file-modifying tools to the input field holding
// the target path.
var fileToolPathFields = map[string]string{
	"Write":        "file_path",
	"Edit":         "file_path",
	"MultiEdit":    "file_path",
	"NotebookEdit": "notebook_path",
}

var (
	gitVerbPattern = regexp.MustCompile(`\bgit\b[^|;&]*\b(commit|push|merge)\b`)
	// The protected ref must be a whole token (or the target side of a
	// refspec); branch names merely containing "main" do not count.
	mainRefPattern  = regexp.MustCompile(`(?:^|[\s:])(main|master)(?:\s|$)`)
	protectedBranch = map[string]bool{"main": true, "master": true}
)

// EvaluateOperation decides whether a pending tool operation may proceed.
// branch is the current branch ("" when detached); checks runs the
// configured checker commands (nil skips them). A non-empty reason means
// block.
func EvaluateOperation(root string, d *Descriptor, branch string, op Operation, checks CheckRunner) (reason string) {
	if field, ok := fileToolPathFields[op.ToolName]; ok {
		target, _ := op.ToolInput[field].(string)
		if target == "" {
			return ""
		}
		return evaluateFileOp(root, d, target, checks)
	}
	if op.ToolName == "Bash" {
		command, _ := op.ToolInput["command"].(string)
		return evaluateShellOp(d, branch, command)
	}
	return ""
}

func evaluateFileOp(root string, d *Descriptor, target string, checks CheckRunner) string {
	rel := normalizeTarget(root, target)
	if pattern, hit := NewPathMatcher(d.ForbiddenPaths).Match(rel); hit {
		return fmt.Sprintf("Path %s is forbidden for session %s (pattern %s)", rel, d.InstanceID, pattern)
	}
	if checks == nil || len(d.CheckCommands) == 0 {
		return ""
	}
	for _, cmd := range d.CheckCommands {
		result, err := checks(cmd, filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			// A broken checker never blocks real work.
			continue
		}
		for _, finding := range result.Results {
			if finding.Severity == SeverityError {
				return fmt.Sprintf("Check %s failed: %s:%d %s (%s)",
					cmd, finding.File, finding.Line, finding.Message, finding.Rule)
			}
		}
	}
	return ""
}

func evaluateShellOp(d *Descriptor, branch, command string) string {
	m := gitVerbPattern.FindStringSubmatch(command)
	if m == nil {
		return ""
	}
	verb := m[1]

	switch verb {
	case "commit", "push":
		if d.BranchPrefix != "" && branch != "" && !strings.HasPrefix(branch, d.BranchPrefix) {
			return fmt.Sprintf("git %s blocked: branch %s does not start with %s", verb, branch, d.BranchPrefix)
		}
		if verb == "push" && !d.CanMerge && pushTargetsProtected(command, branch) {
			return fmt.Sprintf("git push to a protected branch blocked: session %s cannot merge", d.InstanceID)
		}
	case "merge":
		if !d.CanMerge && protectedBranch[branch] {
			return fmt.Sprintf("git merge into %s blocked: session %s cannot merge", branch, d.InstanceID)
		}
	}
	return ""
}

// pushTargetsProtected reports whether a push command lands on main/master,
// either by naming the ref or by running from a protected branch.
func pushTargetsProtected(command, branch string) bool {
	if protectedBranch[branch] {
		return true
	}
	idx := strings.Index(command, "push")
	return idx >= 0 && mainRefPattern.MatchString(command[idx:])
}

// normalizeTarget renders the target path relative to the project root,
// slash-separated. Paths outside the root stay as given so patterns can
// still match absolute entries.
func normalizeTarget(root, target string) string {
	if !filepath.IsAbs(target) {
		return filepath.ToSlash(filepath.Clean(target))
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(target)
	}
	return filepath.ToSlash(rel)
}
