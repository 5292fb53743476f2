// Package policy defines the execution policy attached to tools: which
// task types may invoke them, how impactful their side effects are, and
// whether a human has to approve each invocation.
package policy

type Impact string

const (
	ImpactLow    Impact = "low"
	ImpactMedium Impact = "medium"
	ImpactHigh   Impact = "high"
)

type ToolPolicy struct {
	// AllowedTaskTypes is an allowlist of task types; empty allows all.
	AllowedTaskTypes []string
	RequiresApproval bool
	Impact           Impact
}

func (p ToolPolicy) Allows(taskType string) bool {
	if len(p.AllowedTaskTypes) == 0 {
		return true
	}
	for _, t := range p.AllowedTaskTypes {
		if t == taskType {
			return true
		}
	}
	return false
}
