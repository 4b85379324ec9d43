package agent

import "github.com/opal-run/opal/provider"

// ToProviderMessages shape-adapts a materialized path into the
// provider-agnostic wire messages Provider.ConvertMessages further
// adapts, per spec.md §6's convert_messages contract.
func ToProviderMessages(path []Message) []provider.Message {
	out := make([]provider.Message, 0, len(path))
	for _, m := range path {
		pm := provider.Message{
			Role:     string(m.Role),
			Text:     m.Text,
			Thinking: m.Thinking,
			CallID:   m.CallID,
			Name:     m.Name,
			Content:  m.Text,
		}
		for _, tc := range m.ToolCalls {
			argsJSON, err := tc.MarshalArguments()
			if err != nil {
				argsJSON = []byte("{}")
			}
			pm.ToolCalls = append(pm.ToolCalls, provider.ToolCallWire{
				CallID:    tc.CallID,
				Name:      tc.Name,
				Arguments: argsJSON,
			})
		}
		out = append(out, pm)
	}
	return out
}

// ToProviderTools shape-adapts a tool snapshot listing into the
// provider-agnostic Tool definitions a Request carries. Callers pass
// tools.Snapshot.List() results already reduced to name/description/
// parameters by the caller (agent package does not import tools to avoid
// a dependency cycle with toolrunner; see ToolSpec).
func ToProviderTools(specs []ToolSpec) []provider.Tool {
	out := make([]provider.Tool, 0, len(specs))
	for _, s := range specs {
		out = append(out, provider.Tool{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return out
}

// ToolSpec is the minimal tool shape the agent loop needs to build a
// provider request, decoupled from the tools package's richer Tool
// interface (which pulls in a JSON-Schema compiler this package has no
// need of).
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}
