// Package plugin defines the contract between the engine and resource providers.
package plugin

import "context"

// Action is the change a provider proposes for a single resource.
type Action int

const (
	ActionNoop Action = iota
	ActionCreate
	ActionUpdate
	ActionReplace
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "CREATE"
	case ActionUpdate:
		return "UPDATE"
	case ActionReplace:
		return "REPLACE"
	case ActionDelete:
		return "DELETE"
	default:
		return "NOOP"
	}
}

// ParseAction is the inverse of Action.String. Unknown values map to ActionNoop.
func ParseAction(s string) Action {
	switch s {
	case "CREATE":
		return ActionCreate
	case "UPDATE":
		return ActionUpdate
	case "REPLACE":
		return ActionReplace
	case "DELETE":
		return ActionDelete
	default:
		return ActionNoop
	}
}

type ConfigureRequest struct {
	Region  string
	Account string
}

type ConfigureResponse struct {
	Diagnostics []*Diagnostic
}

type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
)

type Diagnostic struct {
	Severity Severity
	Summary  string
	Detail   string
}

type PlanRequest struct {
	Type              string
	Name              string
	DesiredConfigJSON []byte
	// PriorInputsJSON holds the inputs recorded when the resource was last applied.
	PriorInputsJSON []byte
	PriorStateJSON  []byte
}

type PlanResponse struct {
	Action            Action
	ChangedAttributes []string
}

type ApplyRequest struct {
	Type              string
	Name              string
	DesiredConfigJSON []byte
	PriorStateJSON    []byte
}

type ApplyResponse struct {
	NewStateJSON []byte
}

type DeleteRequest struct {
	Type             string
	Name             string
	ID               string
	CurrentStateJSON []byte
}

type DeleteResponse struct{}

// Provider manages the lifecycle of the resource types it owns.
type Provider interface {
	Configure(ctx context.Context, req *ConfigureRequest) (*ConfigureResponse, error)
	Plan(ctx context.Context, req *PlanRequest) (*PlanResponse, error)
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)
	Delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error)
}
