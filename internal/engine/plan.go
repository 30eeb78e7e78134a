package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
	"github.com/stowrs-to-s3/stowrs-infra/internal/provider"
	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

const defaultParallelism = 10

// computedValue stands in for a reference whose target is being replaced.
const computedValue = "(known after apply)"

// Engine orchestrates the lifecycle of resources.
type Engine struct {
	registry        *provider.Registry
	ContinueOnError bool // If true, apply continues past failures instead of stopping
	Parallelism     int
	// RetryPolicy governs retries of transient provider errors. Nil means
	// DefaultRetryPolicy.
	RetryPolicy *RetryPolicy
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry:    registry,
		Parallelism: defaultParallelism,
	}
}

// CreatePlan generates an execution plan by comparing desired config with current state.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	return e.CreatePlanWithTargets(ctx, cfg, state, nil)
}

// CreatePlanWithTargets generates a plan filtered to specific resource addresses.
// If targets is nil or empty, all resources are planned.
func (e *Engine) CreatePlanWithTargets(ctx context.Context, cfg *ir.Config, state *ir.State, targets []string) (*ir.Plan, error) {
	logging.Debug("creating plan", "resources", len(cfg.Resources), "state_resources", len(state.Resources), "targets", len(targets))

	configHash, err := hashValue(cfg.Resources)
	if err != nil {
		return nil, err
	}
	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
			ConfigHash: configHash,
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
		Outputs: cfg.Outputs,
	}
	if len(state.Resources) > 0 {
		if h, err := hashValue(state.Resources); err == nil {
			plan.Metadata.PriorStateHash = &h
		}
	}

	// 1. Load all required providers
	for _, res := range cfg.Resources {
		if err := e.registry.LoadProvider(res.Provider); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
		}
	}

	// 2. Build dependency graph for ordering
	dag, err := BuildDAG(cfg.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}

	// 3. Build state map for quick lookup
	stateMap := make(map[string]*ir.ResourceState)
	for _, res := range state.Resources {
		stateMap[res.Address()] = res
	}

	// 4. Build config map for quick lookup
	configByAddr := make(map[string]*ir.Resource)
	for _, res := range cfg.Resources {
		configByAddr[res.Address()] = res
	}

	// 5. Build target set (if targets specified, include their dependencies)
	var targetSet map[string]bool
	if len(targets) > 0 {
		targetSet = make(map[string]bool)
		for _, t := range targets {
			if _, ok := configByAddr[t]; !ok {
				if _, ok := stateMap[t]; !ok {
					return nil, fmt.Errorf("target %s is not a known resource", t)
				}
			}
			targetSet[t] = true
			for _, dep := range dag.TransitiveDeps(t) {
				targetSet[dep] = true
			}
		}
	}

	// 6. Iterate desired resources in dependency order
	replaced := make(map[string]bool)
	for _, addr := range dag.CreationOrder() {
		res := configByAddr[addr]

		if targetSet != nil && !targetSet[addr] {
			plan.Summary.NoOp++
			continue
		}

		action, changed, err := e.planResource(ctx, res, stateMap[addr], state, replaced)
		if err != nil {
			return nil, err
		}

		if action != plugin.ActionNoop {
			if err := enforceLifecycle(res, action, addr); err != nil {
				return nil, err
			}
			action = filterIgnoredChanges(res, action, changed)
		}

		if action == plugin.ActionNoop {
			plan.Summary.NoOp++
			continue
		}
		if action == plugin.ActionReplace {
			replaced[addr] = true
		}

		change := &ir.ResourceChange{
			Address: addr,
			Action:  action.String(),
			Desired: res,
		}
		if prior, ok := stateMap[addr]; ok {
			change.Prior = priorResource(prior)
			change.Diff = buildPropertyDiff(prior.Inputs, res.Properties, action == plugin.ActionReplace)
		} else {
			change.Diff = buildCreateDiff(res.Properties)
		}
		plan.Changes = append(plan.Changes, change)
		countAction(plan.Summary, action)
	}

	// 7. Handle Deletions (resources in state but not in config), dependents first
	stateDAG, err := BuildDAGFromState(state.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to order recorded resources: %w", err)
	}
	for _, addr := range stateDAG.DestructionOrder() {
		if _, ok := configByAddr[addr]; ok {
			continue
		}
		if targetSet != nil && !targetSet[addr] {
			continue
		}
		res := stateMap[addr]
		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			Address: addr,
			Action:  plugin.ActionDelete.String(),
			Prior:   priorResource(res),
			Diff:    buildDeleteDiff(res.Inputs),
		})
		plan.Summary.Delete++
	}

	return plan, nil
}

// CreateDestroyPlan plans the deletion of every recorded resource, dependents first.
func (e *Engine) CreateDestroyPlan(ctx context.Context, state *ir.State) (*ir.Plan, error) {
	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{Timestamp: time.Now().UTC().Format(time.RFC3339)},
		Changes:  []*ir.ResourceChange{},
		Summary:  &ir.PlanSummary{},
	}

	dag, err := BuildDAGFromState(state.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to order recorded resources: %w", err)
	}
	byAddr := make(map[string]*ir.ResourceState, len(state.Resources))
	for _, res := range state.Resources {
		byAddr[res.Address()] = res
		if err := e.registry.LoadProvider(res.Provider); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
		}
	}

	for _, addr := range dag.DestructionOrder() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := byAddr[addr]
		plan.Changes = append(plan.Changes, &ir.ResourceChange{
			Address: addr,
			Action:  plugin.ActionDelete.String(),
			Prior:   priorResource(res),
			Diff:    buildDeleteDiff(res.Inputs),
		})
		plan.Summary.Delete++
	}
	return plan, nil
}

// planResource asks the owning provider what to do with one resource. An
// unchanged inputs hash short-circuits to NOOP unless a referenced resource
// is being replaced.
func (e *Engine) planResource(ctx context.Context, res *ir.Resource, prior *ir.ResourceState, state *ir.State, replaced map[string]bool) (plugin.Action, []string, error) {
	addr := res.Address()

	inputsHash, err := HashInputs(res.Properties)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal properties for %s: %w", addr, err)
	}

	dependsOnReplaced := false
	for _, dep := range resourceDependencies(res) {
		if replaced[dep] {
			dependsOnReplaced = true
			break
		}
	}

	if prior != nil && !dependsOnReplaced && prior.InputsHash != "" && prior.InputsHash == inputsHash {
		return plugin.ActionNoop, nil, nil
	}

	// References are compared by value: resolved against recorded state, or
	// masked when their target is about to be replaced.
	desired := normalizeValue(res.Properties)
	if dependsOnReplaced {
		desired = maskReplacedRefs(desired, replaced)
	}
	desired, _ = resolveReferences(desired, state)
	desiredJSON, err := json.Marshal(desired)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal properties for %s: %w", addr, err)
	}

	prov, err := e.registry.Get(res.Provider)
	if err != nil {
		return 0, nil, err
	}

	req := &plugin.PlanRequest{
		Type:              res.Type,
		Name:              res.Name,
		DesiredConfigJSON: desiredJSON,
	}
	if prior != nil {
		priorInputs, _ := resolveReferences(normalizeValue(prior.Inputs), state)
		if req.PriorInputsJSON, err = json.Marshal(priorInputs); err != nil {
			return 0, nil, fmt.Errorf("failed to marshal recorded inputs for %s: %w", addr, err)
		}
		if req.PriorStateJSON, err = json.Marshal(normalizeValue(prior.Outputs)); err != nil {
			return 0, nil, fmt.Errorf("failed to marshal recorded state for %s: %w", addr, err)
		}
	}

	resp, err := prov.Plan(ctx, req)
	if err != nil {
		return 0, nil, fmt.Errorf("plan failed for %s: %w", addr, err)
	}
	return resp.Action, resp.ChangedAttributes, nil
}

// enforceLifecycle checks lifecycle rules and returns an error if violated.
func enforceLifecycle(res *ir.Resource, action plugin.Action, addr string) error {
	if res.Lifecycle == nil {
		return nil
	}

	if res.Lifecycle.PreventDestroy && (action == plugin.ActionDelete || action == plugin.ActionReplace) {
		return fmt.Errorf("resource %s has prevent_destroy set but plan requires destruction", addr)
	}

	return nil
}

// filterIgnoredChanges downgrades an update or replacement to NOOP when every
// changed attribute is listed in IgnoreChanges.
func filterIgnoredChanges(res *ir.Resource, action plugin.Action, changed []string) plugin.Action {
	if res.Lifecycle == nil || len(res.Lifecycle.IgnoreChanges) == 0 || len(changed) == 0 {
		return action
	}
	if action != plugin.ActionUpdate && action != plugin.ActionReplace {
		return action
	}

	ignoreSet := make(map[string]bool)
	for _, attr := range res.Lifecycle.IgnoreChanges {
		ignoreSet[attr] = true
	}
	for _, attr := range changed {
		if !ignoreSet[attr] {
			return action
		}
	}
	return plugin.ActionNoop
}

func countAction(summary *ir.PlanSummary, action plugin.Action) {
	switch action {
	case plugin.ActionCreate:
		summary.Create++
	case plugin.ActionUpdate:
		summary.Update++
	case plugin.ActionReplace:
		summary.Replace++
	case plugin.ActionDelete:
		summary.Delete++
	}
}

func priorResource(res *ir.ResourceState) *ir.Resource {
	return &ir.Resource{
		Type:       res.Type,
		Name:       res.Name,
		Provider:   res.Provider,
		DependsOn:  res.Dependencies,
		Properties: res.Inputs,
	}
}

// buildPropertyDiff compares prior and desired properties and returns a diff map.
func buildPropertyDiff(prior, desired map[string]any, replace bool) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	allKeys := make(map[string]bool)
	for k := range prior {
		allKeys[k] = true
	}
	for k := range desired {
		allKeys[k] = true
	}

	for k := range allKeys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		switch {
		case !inPrior:
			diff[k] = &ir.PropertyDiff{After: desiredVal, Action: "create", ForcesReplacement: replace}
		case !inDesired:
			diff[k] = &ir.PropertyDiff{Before: priorVal, Action: "delete", ForcesReplacement: replace}
		case !reflect.DeepEqual(normalizeValue(priorVal), normalizeValue(desiredVal)):
			diff[k] = &ir.PropertyDiff{Before: priorVal, After: desiredVal, Action: "update", ForcesReplacement: replace}
		}
	}

	return diff
}

func buildCreateDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			After:  v,
			Action: "create",
		}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{
			Before: v,
			Action: "delete",
		}
	}
	return diff
}

// maskReplacedRefs substitutes references to replaced resources.
func maskReplacedRefs(v any, replaced map[string]bool) any {
	switch val := v.(type) {
	case string:
		if replaced[ptrRefToAddr(val)] {
			return computedValue
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = maskReplacedRefs(item, replaced)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = maskReplacedRefs(item, replaced)
		}
		return out
	default:
		return val
	}
}

// normalizeValue converts a property tree into the shapes encoding/json
// produces, so that values decoded from state compare equal to values
// built in memory.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return val
	case map[any]any:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			newMap[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return newMap
	case map[string]any:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			newMap[k] = normalizeValue(v)
		}
		return newMap
	case []any:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = normalizeValue(v)
		}
		return newSlice
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return val
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return val
		}
		return out
	}
}

// HashInputs returns the digest recorded for a resource's inputs.
func HashInputs(props map[string]any) (string, error) {
	data, err := json.Marshal(normalizeValue(props))
	if err != nil {
		return "", err
	}
	return hashBytes(data), nil
}

func hashValue(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to hash: %w", err)
	}
	return hashBytes(data), nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
