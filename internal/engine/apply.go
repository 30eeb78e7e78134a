package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	Address  string
	Action   string
	Status   string // "started", "completed", "failed", "skipped"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// UnresolvedReferenceError is returned when a property refers to an attribute
// that no recorded resource exposes.
type UnresolvedReferenceError struct {
	Address string
	Refs    []string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved references in %s: %s", e.Address, strings.Join(e.Refs, ", "))
}

// applyState guards the state while changes run concurrently.
type applyState struct {
	mu    sync.Mutex
	state *ir.State
	index map[string]int
}

func newApplyState(state *ir.State) *applyState {
	s := &applyState{state: state}
	s.reindex()
	return s
}

func (s *applyState) reindex() {
	s.index = make(map[string]int, len(s.state.Resources))
	for i, res := range s.state.Resources {
		s.index[res.Address()] = i
	}
}

func (s *applyState) get(addr string) *ir.ResourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.index[addr]; ok {
		return s.state.Resources[idx]
	}
	return nil
}

func (s *applyState) put(res *ir.ResourceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx, ok := s.index[res.Address()]; ok {
		s.state.Resources[idx] = res
		return
	}
	s.index[res.Address()] = len(s.state.Resources)
	s.state.Resources = append(s.state.Resources, res)
}

func (s *applyState) remove(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[addr]
	if !ok {
		return
	}
	s.state.Resources = append(s.state.Resources[:idx], s.state.Resources[idx+1:]...)
	s.reindex()
}

func (s *applyState) resolve(props map[string]any) (any, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolveReferences(normalizeValue(props), s.state)
}

// ApplyPlan executes a plan and updates the state.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, state *ir.State) (*ir.State, error) {
	return e.ApplyPlanWithCallback(ctx, plan, state, nil)
}

// ApplyPlanWithCallback executes a plan with progress event callbacks.
// Creates, updates and replacements run first in dependency order, then
// deletions run dependents first. Independent changes run in parallel.
// If e.ContinueOnError is true, apply will continue past individual resource
// failures and return an aggregated error at the end.
func (e *Engine) ApplyPlanWithCallback(ctx context.Context, plan *ir.Plan, state *ir.State, callback ApplyCallback) (*ir.State, error) {
	emit := func(event ApplyEvent) {
		if callback != nil {
			callback(event)
		}
	}

	as := newApplyState(state)
	var errs []error

	// Group changes: separate creates/updates from deletes
	var createUpdates, deletes []*ir.ResourceChange
	for _, change := range plan.Changes {
		if plugin.ParseAction(change.Action) == plugin.ActionDelete {
			deletes = append(deletes, change)
		} else {
			createUpdates = append(createUpdates, change)
		}
	}

	if err := e.applyParallel(ctx, createUpdates, forwardDeps(createUpdates), as, emit); err != nil {
		if !e.ContinueOnError {
			return state, err
		}
		errs = append(errs, err)
	}

	if err := e.applyParallel(ctx, deletes, reverseDeps(deletes), as, emit); err != nil {
		if !e.ContinueOnError {
			return state, err
		}
		errs = append(errs, err)
	}

	as.mu.Lock()
	outputs, _ := resolveReferences(normalizeValue(plan.Outputs), state)
	as.mu.Unlock()
	if m, ok := outputs.(map[string]any); ok {
		state.Outputs = m
	} else {
		state.Outputs = nil
	}

	if len(errs) > 0 {
		return state, errors.Join(errs...)
	}

	return state, nil
}

// forwardDeps maps each change to the changes it must wait for: the
// resources it depends on.
func forwardDeps(changes []*ir.ResourceChange) map[string][]string {
	inPlan := make(map[string]bool, len(changes))
	for _, c := range changes {
		inPlan[c.Address] = true
	}
	deps := make(map[string][]string, len(changes))
	for _, c := range changes {
		if c.Desired == nil {
			continue
		}
		for _, dep := range resourceDependencies(c.Desired) {
			if inPlan[dep] {
				deps[c.Address] = append(deps[c.Address], dep)
			}
		}
	}
	return deps
}

// reverseDeps maps each deletion to the deletions that must finish first:
// the resources that depended on it.
func reverseDeps(changes []*ir.ResourceChange) map[string][]string {
	inPlan := make(map[string]bool, len(changes))
	for _, c := range changes {
		inPlan[c.Address] = true
	}
	deps := make(map[string][]string, len(changes))
	for _, c := range changes {
		if c.Prior == nil {
			continue
		}
		for _, dep := range c.Prior.DependsOn {
			if inPlan[dep] && dep != c.Address {
				deps[dep] = append(deps[dep], c.Address)
			}
		}
	}
	return deps
}

// applyParallel applies changes concurrently. A change starts once every
// change listed in deps for it has completed; if one of them failed the
// change is skipped.
func (e *Engine) applyParallel(ctx context.Context, changes []*ir.ResourceChange, deps map[string][]string, as *applyState, emit func(ApplyEvent)) error {
	if len(changes) == 0 {
		return nil
	}

	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	completed := make(map[string]bool)
	failed := make(map[string]bool)
	completedMu := sync.Mutex{}
	completedCond := sync.NewCond(&completedMu)
	var firstErr error
	var allErrs []error
	sem := make(chan struct{}, parallelism)

	var wg sync.WaitGroup

	for _, change := range changes {
		wg.Add(1)
		go func(c *ir.ResourceChange) {
			defer wg.Done()

			// Wait for dependencies to complete
			completedMu.Lock()
			for {
				if firstErr != nil && !e.ContinueOnError {
					completedMu.Unlock()
					return
				}
				allDepsReady := true
				depFailed := false
				for _, dep := range deps[c.Address] {
					if failed[dep] {
						depFailed = true
						break
					}
					if !completed[dep] {
						allDepsReady = false
						break
					}
				}
				// If a dependency failed, skip this resource
				if depFailed {
					failed[c.Address] = true
					completedMu.Unlock()
					completedCond.Broadcast()
					emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "skipped"})
					return
				}
				if allDepsReady {
					break
				}
				completedCond.Wait()
			}
			completedMu.Unlock()

			if err := ctx.Err(); err != nil {
				completedMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("apply cancelled: %w", err)
				}
				allErrs = append(allErrs, fmt.Errorf("%s: apply cancelled: %w", c.Address, err))
				failed[c.Address] = true
				completedMu.Unlock()
				completedCond.Broadcast()
				return
			}

			// Acquire semaphore slot
			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "started"})

			if err := e.applyChange(ctx, c, as); err != nil {
				emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "failed", Duration: time.Since(start), Error: err})
				logging.Error("change failed", "address", c.Address, "action", c.Action, "error", err)
				completedMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				allErrs = append(allErrs, err)
				failed[c.Address] = true
				completedMu.Unlock()
				completedCond.Broadcast()
				return
			}

			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "completed", Duration: time.Since(start)})

			completedMu.Lock()
			completed[c.Address] = true
			completedMu.Unlock()
			completedCond.Broadcast()
		}(change)
	}

	wg.Wait()

	if e.ContinueOnError && len(allErrs) > 0 {
		return fmt.Errorf("%d resource(s) failed: %w", len(allErrs), errors.Join(allErrs...))
	}
	return firstErr
}

func (e *Engine) applyChange(ctx context.Context, change *ir.ResourceChange, as *applyState) error {
	addr := change.Address
	logging.Debug("applying change", "address", addr, "action", change.Action)

	// Apply per-resource timeout if configured
	var timeout time.Duration
	if change.Desired != nil && change.Desired.Timeout != "" {
		if d, err := time.ParseDuration(change.Desired.Timeout); err == nil {
			timeout = d
		}
	}
	ctx, cancel := WithTimeout(ctx, timeout)
	defer cancel()

	provName := "null"
	if change.Desired != nil {
		provName = change.Desired.Provider
	} else if change.Prior != nil {
		provName = change.Prior.Provider
	}

	prov, err := e.registry.Get(provName)
	if err != nil {
		return fmt.Errorf("provider not found: %s", provName)
	}

	switch action := plugin.ParseAction(change.Action); action {
	case plugin.ActionCreate:
		// A recorded resource planned for creation has drifted away.
		return e.create(ctx, prov, change.Desired, nil, as)

	case plugin.ActionUpdate:
		return e.create(ctx, prov, change.Desired, as.get(addr), as)

	case plugin.ActionReplace:
		prior := as.get(addr)
		if change.Desired.Lifecycle != nil && change.Desired.Lifecycle.CreateBeforeDestroy {
			if err := e.create(ctx, prov, change.Desired, nil, as); err != nil {
				return err
			}
			if prior != nil {
				return e.destroy(ctx, prov, prior)
			}
			return nil
		}
		if prior != nil {
			if err := e.destroy(ctx, prov, prior); err != nil {
				return err
			}
			as.remove(addr)
		}
		return e.create(ctx, prov, change.Desired, nil, as)

	case plugin.ActionDelete:
		prior := as.get(addr)
		if prior == nil {
			return nil
		}
		if err := e.destroy(ctx, prov, prior); err != nil {
			return err
		}
		as.remove(addr)
		return nil

	default:
		return fmt.Errorf("unsupported action %q for %s", change.Action, addr)
	}
}

// create calls the provider's Apply with resolved properties and records the
// result. A nil prior makes the provider create a new resource.
func (e *Engine) create(ctx context.Context, prov plugin.Provider, res *ir.Resource, prior *ir.ResourceState, as *applyState) error {
	addr := res.Address()

	resolved, unresolved := as.resolve(res.Properties)
	if len(unresolved) > 0 {
		return &UnresolvedReferenceError{Address: addr, Refs: unresolved}
	}
	desiredJSON, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("failed to marshal properties for %s: %w", addr, err)
	}

	var priorJSON []byte
	if prior != nil && prior.Outputs != nil {
		if priorJSON, err = json.Marshal(normalizeValue(prior.Outputs)); err != nil {
			return fmt.Errorf("failed to marshal recorded state for %s: %w", addr, err)
		}
	}

	var resp *plugin.ApplyResponse
	err = RetryWithBackoff(ctx, e.RetryPolicy, func() error {
		var applyErr error
		resp, applyErr = prov.Apply(ctx, &plugin.ApplyRequest{
			Type:              res.Type,
			Name:              res.Name,
			DesiredConfigJSON: desiredJSON,
			PriorStateJSON:    priorJSON,
		})
		return applyErr
	}, IsTransientError)
	if err != nil {
		return fmt.Errorf("apply failed for %s: %w", addr, err)
	}

	var outputs map[string]any
	if len(resp.NewStateJSON) > 0 {
		if err := json.Unmarshal(resp.NewStateJSON, &outputs); err != nil {
			return fmt.Errorf("failed to unmarshal state for %s: %w", addr, err)
		}
	}

	inputsHash, err := HashInputs(res.Properties)
	if err != nil {
		return fmt.Errorf("failed to hash inputs for %s: %w", addr, err)
	}

	as.put(&ir.ResourceState{
		Type:         res.Type,
		Name:         res.Name,
		Provider:     res.Provider,
		Inputs:       res.Properties,
		InputsHash:   inputsHash,
		Outputs:      outputs,
		Dependencies: resourceDependencies(res),
	})
	return nil
}

func (e *Engine) destroy(ctx context.Context, prov plugin.Provider, prior *ir.ResourceState) error {
	addr := prior.Address()

	var resourceID string
	if id, ok := prior.Outputs["id"]; ok {
		resourceID = fmt.Sprintf("%v", id)
	}
	currentJSON, err := json.Marshal(normalizeValue(prior.Outputs))
	if err != nil {
		return fmt.Errorf("failed to marshal recorded state for %s: %w", addr, err)
	}

	err = RetryWithBackoff(ctx, e.RetryPolicy, func() error {
		_, deleteErr := prov.Delete(ctx, &plugin.DeleteRequest{
			Type:             prior.Type,
			Name:             prior.Name,
			ID:               resourceID,
			CurrentStateJSON: currentJSON,
		})
		return deleteErr
	}, IsTransientError)
	if err != nil {
		return fmt.Errorf("delete failed for %s: %w", addr, err)
	}
	return nil
}

// resolveReferences replaces ptr:// references with the recorded outputs (or
// inputs) of the resource they name. References that cannot be resolved are
// left in place and reported.
func resolveReferences(val any, state *ir.State) (any, []string) {
	byAddr := make(map[string]*ir.ResourceState, len(state.Resources))
	for _, res := range state.Resources {
		byAddr[res.Address()] = res
	}
	var unresolved []string
	out := resolveValue(val, byAddr, &unresolved)
	sort.Strings(unresolved)
	return out, unresolved
}

func resolveValue(val any, byAddr map[string]*ir.ResourceState, unresolved *[]string) any {
	switch v := val.(type) {
	case string:
		if !strings.HasPrefix(v, ptrPrefix) {
			return v
		}
		res, ok := byAddr[ptrRefToAddr(v)]
		attr := ptrRefAttr(v)
		if ok && attr != "" {
			if out, ok := res.Outputs[attr]; ok {
				return out
			}
			if in, ok := res.Inputs[attr]; ok {
				return in
			}
		}
		*unresolved = append(*unresolved, v)
		return v
	case map[string]any:
		newMap := make(map[string]any, len(v))
		for k, item := range v {
			newMap[k] = resolveValue(item, byAddr, unresolved)
		}
		return newMap
	case []any:
		newSlice := make([]any, len(v))
		for i, item := range v {
			newSlice[i] = resolveValue(item, byAddr, unresolved)
		}
		return newSlice
	default:
		return v
	}
}
