package gate

// Decision is the prompt gate's verdict, emitted as JSON on stdout. The
// prompt gate always exits zero; the decision carries the outcome.
type Decision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

// AllowPrompt is the affirmative decision.
func AllowPrompt() Decision {
	return Decision{Decision: "allow"}
}

// BlockPrompt refuses the pending prompt with a remediation.
func BlockPrompt(reason string) Decision {
	return Decision{Decision: "block", Reason: reason}
}

// EvaluatePrompt decides whether a pending user prompt may proceed given a
// loaded descriptor and the current branch ("" when detached). A detached
// head is always accepted; otherwise the branch must carry the session's
// prefix.
func EvaluatePrompt(d *Descriptor, branch string) Decision {
	if d.BranchPrefix == "" || branch == "" {
		return AllowPrompt()
	}
	if !hasPrefix(branch, d.BranchPrefix) {
		return BlockPrompt(
			"Branch " + branch + " does not belong to session " + d.InstanceID +
				"; switch to a branch starting with " + d.BranchPrefix + ".")
	}
	return AllowPrompt()
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
