package tools

import (
	"time"

	"github.com/antoniostano/taskforge/internal/policy"
)

// DevRegistry wires the mock tools the built-in plan templates call. It is
// what the binaries run with until real tool adapters exist.
func DevRegistry(defaultTimeout time.Duration) *Registry {
	r := NewRegistry(defaultTimeout)
	r.Register(&EchoTool{ToolName: "search_memory"}, policy.ToolPolicy{Impact: policy.ImpactLow}, 0)
	r.Register(&EchoTool{ToolName: "web_search"}, policy.ToolPolicy{Impact: policy.ImpactLow}, 0)
	r.Register(&EchoTool{ToolName: "parse_channel"}, policy.ToolPolicy{
		AllowedTaskTypes: []string{"analyze"},
		Impact:           policy.ImpactLow,
	}, 0)
	r.Register(&EchoTool{ToolName: "compute_metrics"}, policy.ToolPolicy{
		AllowedTaskTypes: []string{"analyze"},
		Impact:           policy.ImpactLow,
	}, 0)
	// Outward-facing: every publish goes through a human.
	r.Register(&EchoTool{ToolName: "publish_post"}, policy.ToolPolicy{
		RequiresApproval: true,
		Impact:           policy.ImpactHigh,
	}, 0)
	return r
}
