package domain

// NodeKind selects how an automation node is executed.
type NodeKind string

const (
	NodeKindWebhook    NodeKind = "webhook"
	NodeKindSourceSync NodeKind = "source-sync"
)

// Blueprint is the static definition of one automation node.
type Blueprint struct {
	Code         string
	Name         string
	Dependencies []string
	Kind         NodeKind

	// EndpointTemplate is relative to the workflow engine base URL.
	// Empty for nodes that run in-process.
	EndpointTemplate string

	// Sequence is an ordering hint for listings; it does not constrain execution.
	Sequence int
}

// DependsOn reports whether code is a declared dependency.
func (b Blueprint) DependsOn(code string) bool {
	for _, d := range b.Dependencies {
		if d == code {
			return true
		}
	}
	return false
}
