package engine

import (
	"context"
	"testing"

	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
	"github.com/stowrs-to-s3/stowrs-infra/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	reg := provider.NewRegistry()
	require.NoError(t, reg.LoadProvider("null"))
	return NewEngine(reg)
}

func nullResource(name string, triggers map[string]any, dependsOn ...string) *ir.Resource {
	return &ir.Resource{
		Type:       "null_resource",
		Name:       name,
		Provider:   "null",
		DependsOn:  dependsOn,
		Properties: map[string]any{"triggers": triggers},
	}
}

// appliedState records res as if it had been applied with the null provider.
func appliedState(t *testing.T, res *ir.Resource, outputs map[string]any) *ir.ResourceState {
	t.Helper()
	hash, err := HashInputs(res.Properties)
	require.NoError(t, err)
	return &ir.ResourceState{
		Type:         res.Type,
		Name:         res.Name,
		Provider:     res.Provider,
		Inputs:       res.Properties,
		InputsHash:   hash,
		Outputs:      outputs,
		Dependencies: resourceDependencies(res),
	}
}

func TestEngine_CreatePlan(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// 1. Plan creation (New resource)
	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{
				Type:     "null_resource",
				Name:     "test1",
				Provider: "null",
				Properties: map[string]any{
					"triggers": map[string]string{"a": "b"},
				},
			},
		},
	}

	state := &ir.State{} // Empty state

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "CREATE", plan.Changes[0].Action)
	assert.Equal(t, "null_resource.test1", plan.Changes[0].Address)
	assert.True(t, plan.Summary.HasChanges())

	// Verify diff is populated for CREATE
	assert.NotNil(t, plan.Changes[0].Diff)
	assert.Contains(t, plan.Changes[0].Diff, "triggers")

	// 2. Plan update (No-op)
	state = &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "null_resource",
				Name:     "test1",
				Provider: "null",
				Outputs: map[string]any{
					"triggers": map[string]string{"a": "b"},
					"id":       "null-test1",
				},
			},
		},
	}

	plan, err = eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 0)
	assert.Equal(t, 1, plan.Summary.NoOp)
	assert.False(t, plan.Summary.HasChanges())

	// 3. Plan replace (Change trigger)
	cfg.Resources[0].Properties["triggers"] = map[string]string{"a": "c"}

	plan, err = eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "REPLACE", plan.Changes[0].Action)
	assert.True(t, plan.Changes[0].Diff["triggers"].ForcesReplacement)
}

func TestEngine_CreatePlan_InputsHashShortcut(t *testing.T) {
	eng := newTestEngine(t)

	res := nullResource("cached", map[string]any{"a": "b"})
	// Outputs disagree with the inputs, but the recorded hash matches.
	state := &ir.State{Resources: []*ir.ResourceState{
		appliedState(t, res, map[string]any{"id": "null-cached", "triggers": map[string]any{"a": "stale"}}),
	}}

	plan, err := eng.CreatePlan(context.Background(), &ir.Config{Resources: []*ir.Resource{res}}, state)
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)
	assert.Equal(t, 1, plan.Summary.NoOp)
}

func TestEngine_CreatePlan_ResolvesReferencesAgainstState(t *testing.T) {
	eng := newTestEngine(t)

	parent := nullResource("parent", map[string]any{"a": "b"})
	child := nullResource("child", map[string]any{"parent": "ptr://null_resource/parent/id", "x": "1"})
	state := &ir.State{Resources: []*ir.ResourceState{
		appliedState(t, parent, map[string]any{"id": "null-parent", "triggers": map[string]any{"a": "b"}}),
		{
			Type:     "null_resource",
			Name:     "child",
			Provider: "null",
			Outputs:  map[string]any{"id": "null-child", "triggers": map[string]any{"parent": "null-parent", "x": "1"}},
		},
	}}

	plan, err := eng.CreatePlan(context.Background(), &ir.Config{Resources: []*ir.Resource{parent, child}}, state)
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)
}

func TestEngine_CreatePlan_ReplacementCascades(t *testing.T) {
	eng := newTestEngine(t)

	parent := nullResource("parent", map[string]any{"a": "b"})
	child := nullResource("child", map[string]any{"parent": "ptr://null_resource/parent/id"})
	state := &ir.State{Resources: []*ir.ResourceState{
		appliedState(t, parent, map[string]any{"id": "null-parent", "triggers": map[string]any{"a": "b"}}),
		appliedState(t, child, map[string]any{"id": "null-child", "triggers": map[string]any{"parent": "null-parent"}}),
	}}

	// Changing the parent's triggers replaces it, and with it the child.
	parent = nullResource("parent", map[string]any{"a": "c"})

	plan, err := eng.CreatePlan(context.Background(), &ir.Config{Resources: []*ir.Resource{child, parent}}, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "null_resource.parent", plan.Changes[0].Address)
	assert.Equal(t, "REPLACE", plan.Changes[0].Action)
	assert.Equal(t, "null_resource.child", plan.Changes[1].Address)
	assert.Equal(t, "REPLACE", plan.Changes[1].Action)
	assert.Equal(t, 2, plan.Summary.Replace)
}

func TestEngine_CreatePlan_Delete(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// Empty config, resource in state -> DELETE
	cfg := &ir.Config{
		Resources: []*ir.Resource{},
	}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "null_resource",
				Name:     "old_resource",
				Provider: "null",
				Outputs:  map[string]any{"id": "null-old"},
			},
		},
	}

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "DELETE", plan.Changes[0].Action)
	assert.Equal(t, "null_resource.old_resource", plan.Changes[0].Address)
	assert.Equal(t, 1, plan.Summary.Delete)
}

func TestEngine_CreatePlan_DeleteOrder(t *testing.T) {
	eng := newTestEngine(t)

	state := &ir.State{Resources: []*ir.ResourceState{
		{Type: "null_resource", Name: "vpc", Provider: "null"},
		{Type: "null_resource", Name: "subnet", Provider: "null", Dependencies: []string{"null_resource.vpc"}},
		{Type: "null_resource", Name: "service", Provider: "null", Dependencies: []string{"null_resource.subnet"}},
	}}

	plan, err := eng.CreatePlan(context.Background(), &ir.Config{}, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 3)
	assert.Equal(t, "null_resource.service", plan.Changes[0].Address)
	assert.Equal(t, "null_resource.subnet", plan.Changes[1].Address)
	assert.Equal(t, "null_resource.vpc", plan.Changes[2].Address)
	assert.Equal(t, []string{"null_resource.vpc"}, plan.Changes[1].Prior.DependsOn)
}

func TestEngine_CreatePlan_PreventDestroy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{
				Type:     "null_resource",
				Name:     "protected",
				Provider: "null",
				Lifecycle: &ir.Lifecycle{
					PreventDestroy: true,
				},
				Properties: map[string]any{
					"triggers": map[string]string{"a": "new_value"},
				},
			},
		},
	}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "null_resource",
				Name:     "protected",
				Provider: "null",
				Outputs: map[string]any{
					"id":       "null-protected",
					"triggers": map[string]string{"a": "old_value"},
				},
			},
		},
	}

	// REPLACE triggers PreventDestroy error
	_, err := eng.CreatePlan(ctx, cfg, state)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "prevent_destroy")
}

func TestEngine_CreatePlan_IgnoreChanges(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{
				Type:     "null_resource",
				Name:     "ignored",
				Provider: "null",
				Lifecycle: &ir.Lifecycle{
					IgnoreChanges: []string{"triggers"},
				},
				Properties: map[string]any{
					"triggers": map[string]string{"a": "new_value"},
				},
			},
		},
	}

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     "null_resource",
				Name:     "ignored",
				Provider: "null",
				Outputs: map[string]any{
					"id":       "null-ignored",
					"triggers": map[string]string{"a": "old_value"},
				},
			},
		},
	}

	// The null provider replaces on trigger changes, but every changed
	// attribute is ignored.
	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	assert.Empty(t, plan.Changes)
	assert.Equal(t, 1, plan.Summary.NoOp)

	// An attribute outside IgnoreChanges still counts.
	cfg.Resources[0].Properties["value"] = "v2"
	plan, err = eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "REPLACE", plan.Changes[0].Action)
}

func TestEngine_CreatePlan_Targets(t *testing.T) {
	eng := newTestEngine(t)

	cfg := &ir.Config{Resources: []*ir.Resource{
		nullResource("vpc", map[string]any{"a": "1"}),
		nullResource("subnet", map[string]any{"vpc": "ptr://null_resource/vpc/id"}),
		nullResource("bucket", map[string]any{"b": "1"}),
	}}

	plan, err := eng.CreatePlanWithTargets(context.Background(), cfg, &ir.State{}, []string{"null_resource.subnet"})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "null_resource.vpc", plan.Changes[0].Address)
	assert.Equal(t, "null_resource.subnet", plan.Changes[1].Address)
	assert.Equal(t, 1, plan.Summary.NoOp)

	_, err = eng.CreatePlanWithTargets(context.Background(), cfg, &ir.State{}, []string{"null_resource.nope"})
	assert.ErrorContains(t, err, "not a known resource")
}

func TestEngine_CreatePlan_UnknownProvider(t *testing.T) {
	eng := newTestEngine(t)

	cfg := &ir.Config{Resources: []*ir.Resource{{Type: "x", Name: "y", Provider: "gcp"}}}
	_, err := eng.CreatePlan(context.Background(), cfg, &ir.State{})
	assert.ErrorContains(t, err, "failed to load provider gcp")
}

func TestEngine_CreatePlan_Timestamp(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	cfg := &ir.Config{Resources: []*ir.Resource{}}
	state := &ir.State{}

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	assert.NotEmpty(t, plan.Metadata.Timestamp)
	assert.NotEmpty(t, plan.Metadata.ConfigHash)
	assert.Nil(t, plan.Metadata.PriorStateHash)
}

func TestEngine_CreatePlan_DependencyOrder(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	cfg := &ir.Config{
		Resources: []*ir.Resource{
			{
				Type:       "null_resource",
				Name:       "second",
				Provider:   "null",
				DependsOn:  []string{"null_resource.first"},
				Properties: map[string]any{"triggers": map[string]string{"x": "y"}},
			},
			{
				Type:       "null_resource",
				Name:       "first",
				Provider:   "null",
				Properties: map[string]any{"triggers": map[string]string{"a": "b"}},
			},
		},
	}

	state := &ir.State{}

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)

	// Verify first comes before second in the plan
	assert.Equal(t, "null_resource.first", plan.Changes[0].Address)
	assert.Equal(t, "null_resource.second", plan.Changes[1].Address)
}

func TestEngine_CreateDestroyPlan(t *testing.T) {
	eng := newTestEngine(t)

	state := &ir.State{Resources: []*ir.ResourceState{
		{Type: "null_resource", Name: "vpc", Provider: "null", Inputs: map[string]any{"cidr": "10.0.0.0/16"}},
		{Type: "null_resource", Name: "subnet", Provider: "null", Dependencies: []string{"null_resource.vpc"}},
	}}

	plan, err := eng.CreateDestroyPlan(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, "null_resource.subnet", plan.Changes[0].Address)
	assert.Equal(t, "null_resource.vpc", plan.Changes[1].Address)
	assert.Equal(t, "delete", plan.Changes[1].Diff["cidr"].Action)
	assert.Equal(t, 2, plan.Summary.Delete)
}

func TestNormalizeValue(t *testing.T) {
	in := map[string]any{
		"a": map[any]any{"k": 1},
		"b": []string{"x", "y"},
		"c": 3,
	}
	want := map[string]any{
		"a": map[string]any{"k": float64(1)},
		"b": []any{"x", "y"},
		"c": float64(3),
	}
	assert.Equal(t, want, normalizeValue(in))
}
