// Package null implements a provider whose resources exist only in state.
// It backs dry runs of the engine and its tests.
package null

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Configure(ctx context.Context, req *plugin.ConfigureRequest) (*plugin.ConfigureResponse, error) {
	return &plugin.ConfigureResponse{}, nil
}

func (p *Provider) Plan(ctx context.Context, req *plugin.PlanRequest) (*plugin.PlanResponse, error) {
	var desired Config
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	if req.PriorStateJSON == nil {
		return &plugin.PlanResponse{Action: plugin.ActionCreate}, nil
	}

	var prior State
	if err := json.Unmarshal(req.PriorStateJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior state: %w", err)
	}

	// Triggers force replacement, values are updated in place.
	action := plugin.ActionNoop
	var changes []string
	if !maps.Equal(desired.Triggers, prior.Triggers) {
		action = plugin.ActionReplace
		changes = append(changes, "triggers")
	}
	if desired.Value != prior.Value {
		if action == plugin.ActionNoop {
			action = plugin.ActionUpdate
		}
		changes = append(changes, "value")
	}

	return &plugin.PlanResponse{
		Action:            action,
		ChangedAttributes: changes,
	}, nil
}

func (p *Provider) Apply(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	var desired Config
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if desired.Fail != "" {
		return nil, errors.New(desired.Fail)
	}

	state := State{
		ID:       fmt.Sprintf("null-%s", req.Name),
		Triggers: desired.Triggers,
		Value:    desired.Value,
	}

	stateBytes, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &plugin.ApplyResponse{NewStateJSON: stateBytes}, nil
}

func (p *Provider) Delete(ctx context.Context, req *plugin.DeleteRequest) (*plugin.DeleteResponse, error) {
	return &plugin.DeleteResponse{}, nil
}

type Config struct {
	Triggers map[string]string `json:"triggers"`
	Value    string            `json:"value,omitempty"`
	// Fail makes Apply return an error with this message.
	Fail string `json:"fail,omitempty"`
}

type State struct {
	ID       string            `json:"id"`
	Triggers map[string]string `json:"triggers"`
	Value    string            `json:"value,omitempty"`
}
