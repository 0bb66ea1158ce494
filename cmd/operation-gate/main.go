// operation-gate admits or refuses a pending tool operation. It reads
// {tool_name, tool_input} as JSON on stdin, exits 0 to allow and 2 to
// block, writing the block reason to stderr. Without an identity
// descriptor the caller is the human operator and everything is allowed.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/asdlc/coord/internal/gate"
)

const exitBlock = 2

func main() {
	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read stdin:", err)
		os.Exit(exitBlock)
	}
	var op gate.Operation
	if err := json.Unmarshal(input, &op); err != nil {
		fmt.Fprintln(os.Stderr, "invalid operation input:", err)
		os.Exit(exitBlock)
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cannot determine working directory:", err)
		os.Exit(exitBlock)
	}
	root, err := gate.FindProjectRoot(cwd)
	if err != nil {
		// No project root means no session context: allow.
		return
	}
	desc, err := gate.LoadDescriptor(root)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		fmt.Fprintln(os.Stderr, "invalid identity descriptor:", err)
		os.Exit(exitBlock)
	}
	branch, err := gate.CurrentBranch(root)
	if err != nil {
		branch = ""
	}

	if reason := gate.EvaluateOperation(root, desc, branch, op, gate.RunCheck); reason != "" {
		fmt.Fprintln(os.Stderr, reason)
		os.Exit(exitBlock)
	}
}
