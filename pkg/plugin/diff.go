package plugin

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// ChangedAttributes returns the sorted top-level keys whose values differ
// between two JSON objects. A nil side is treated as an empty object.
func ChangedAttributes(desired, prior []byte) ([]string, error) {
	var d, p map[string]any
	if len(desired) > 0 {
		if err := json.Unmarshal(desired, &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
		}
	}
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prior inputs: %w", err)
		}
	}

	keys := make(map[string]bool)
	for k := range d {
		keys[k] = true
	}
	for k := range p {
		keys[k] = true
	}

	var changed []string
	for k := range keys {
		if !reflect.DeepEqual(d[k], p[k]) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// DefaultPlan implements the plan rule shared by providers that cannot update
// resources in place: create when nothing is recorded, replace on any change.
// Attributes listed in updatable are applied in place instead.
func DefaultPlan(req *PlanRequest, updatable ...string) (*PlanResponse, error) {
	if req.DesiredConfigJSON == nil && req.PriorStateJSON != nil {
		return &PlanResponse{Action: ActionDelete}, nil
	}
	if req.PriorStateJSON == nil {
		return &PlanResponse{Action: ActionCreate}, nil
	}

	changed, err := ChangedAttributes(req.DesiredConfigJSON, req.PriorInputsJSON)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return &PlanResponse{Action: ActionNoop}, nil
	}

	inPlace := make(map[string]bool, len(updatable))
	for _, attr := range updatable {
		inPlace[attr] = true
	}
	action := ActionUpdate
	for _, attr := range changed {
		if !inPlace[attr] {
			action = ActionReplace
			break
		}
	}
	return &PlanResponse{Action: action, ChangedAttributes: changed}, nil
}
