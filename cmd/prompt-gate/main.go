// prompt-gate decides whether a pending user prompt may proceed. It always
// exits zero; the decision travels as a JSON object on stdout. A missing
// project root or identity descriptor blocks the prompt with a remediation.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/asdlc/coord/internal/gate"
)

func main() {
	emit(decide())
}

func decide() gate.Decision {
	cwd, err := os.Getwd()
	if err != nil {
		return gate.BlockPrompt("Cannot determine working directory: " + err.Error())
	}
	root, err := gate.FindProjectRoot(cwd)
	if err != nil {
		return gate.BlockPrompt(
			"No .claude directory found; run session-launch to prepare this worktree.")
	}
	desc, err := gate.LoadDescriptor(root)
	if err != nil {
		return gate.BlockPrompt(fmt.Sprintf(
			"Missing or invalid %s (%v); run session-launch to write it.",
			gate.DescriptorPath(root), err))
	}
	branch, err := gate.CurrentBranch(root)
	if err != nil {
		// Without a readable branch we cannot enforce the prefix; a
		// detached head is treated the same way.
		branch = ""
	}
	return gate.EvaluatePrompt(desc, branch)
}

func emit(d gate.Decision) {
	out, err := json.Marshal(d)
	if err != nil {
		fmt.Println(`{"decision":"block","reason":"internal encoding error"}`)
		return
	}
	fmt.Println(string(out))
}
