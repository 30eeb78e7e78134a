package null

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_Plan(t *testing.T) {
	p := New()
	ctx := context.Background()

	// 1. Create plan (New resource)
	desired := Config{Triggers: map[string]string{"foo": "bar"}}
	desiredJSON, _ := json.Marshal(desired)

	resp, err := p.Plan(ctx, &plugin.PlanRequest{
		Type:              "null_resource",
		Name:              "test",
		DesiredConfigJSON: desiredJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, plugin.ActionCreate, resp.Action)

	// 2. No-op plan (Same triggers)
	state := State{
		ID:       "null-test",
		Triggers: desired.Triggers,
	}
	stateJSON, _ := json.Marshal(state)

	resp, err = p.Plan(ctx, &plugin.PlanRequest{
		Type:              "null_resource",
		Name:              "test",
		DesiredConfigJSON: desiredJSON,
		PriorStateJSON:    stateJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, plugin.ActionNoop, resp.Action)

	// 3. Changed triggers -> Replace
	newDesiredJSON, _ := json.Marshal(Config{Triggers: map[string]string{"foo": "baz"}})

	resp, err = p.Plan(ctx, &plugin.PlanRequest{
		Type:              "null_resource",
		Name:              "test",
		DesiredConfigJSON: newDesiredJSON,
		PriorStateJSON:    stateJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, plugin.ActionReplace, resp.Action)
	assert.Contains(t, resp.ChangedAttributes, "triggers")

	// 4. Changed value -> Update
	valueJSON, _ := json.Marshal(Config{Triggers: map[string]string{"foo": "bar"}, Value: "v2"})

	resp, err = p.Plan(ctx, &plugin.PlanRequest{
		Type:              "null_resource",
		Name:              "test",
		DesiredConfigJSON: valueJSON,
		PriorStateJSON:    stateJSON,
	})
	require.NoError(t, err)
	assert.Equal(t, plugin.ActionUpdate, resp.Action)
	assert.Equal(t, []string{"value"}, resp.ChangedAttributes)
}

func TestProvider_Plan_InvalidJSON(t *testing.T) {
	_, err := New().Plan(context.Background(), &plugin.PlanRequest{DesiredConfigJSON: []byte("{")})
	assert.Error(t, err)
}

func TestProvider_Apply(t *testing.T) {
	p := New()
	ctx := context.Background()

	desired := Config{Triggers: map[string]string{"foo": "bar"}, Value: "v1"}
	desiredJSON, _ := json.Marshal(desired)

	resp, err := p.Apply(ctx, &plugin.ApplyRequest{
		Name:              "test",
		DesiredConfigJSON: desiredJSON,
	})
	require.NoError(t, err)

	var newState State
	err = json.Unmarshal(resp.NewStateJSON, &newState)
	require.NoError(t, err)
	assert.Equal(t, "null-test", newState.ID)
	assert.Equal(t, "bar", newState.Triggers["foo"])
	assert.Equal(t, "v1", newState.Value)
}

func TestProvider_Apply_Fail(t *testing.T) {
	desiredJSON, _ := json.Marshal(Config{Fail: "boom"})

	_, err := New().Apply(context.Background(), &plugin.ApplyRequest{
		Name:              "test",
		DesiredConfigJSON: desiredJSON,
	})
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
}
