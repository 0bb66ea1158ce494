package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Severity levels a checker may report. Only SeverityError blocks an
// operation; warnings and info are advisory.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// CheckFinding is one diagnostic from a checker helper.
type CheckFinding struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Rule     string `json:"rule"`
}

// CheckResult is the contract every checker helper must emit on stdout:
// a success flag, a list of findings, and a list of execution errors.
type CheckResult struct {
	Success bool           `json:"success"`
	Results []CheckFinding `json:"results"`
	Errors  []string       `json:"errors"`
}

// CheckRunner executes one checker command against a file and parses its
// result. The operation gate injects RunCheck; tests inject fakes.
type CheckRunner func(command, file string) (*CheckResult, error)

const checkTimeout = 30 * time.Second

// RunCheck executes a checker through the shell with the target file as its
// final argument. Checkers signal findings through the result contract, not
// the exit code, so a non-zero exit with parseable output still counts.
func RunCheck(command, file string) (*CheckResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "sh", "-c", command+" "+shellQuote(file)).Output()
	if len(out) == 0 && err != nil {
		return nil, fmt.Errorf("run check %q: %w", command, err)
	}
	var result CheckResult
	if jsonErr := json.Unmarshal(out, &result); jsonErr != nil {
		return nil, fmt.Errorf("check %q output is not a result object: %w", command, jsonErr)
	}
	return &result, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
