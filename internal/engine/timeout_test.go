package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
	"github.com/stowrs-to-s3/stowrs-infra/internal/provider"
	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
	"github.com/stowrs-to-s3/stowrs-infra/providers/null"
)

var fastRetries = &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

// flakyProvider fails the first calls of Apply and Delete with scripted
// errors, then defers to the null provider.
type flakyProvider struct {
	*null.Provider
	mu           sync.Mutex
	applyErrs    []error
	deleteErrs   []error
	applyCalls   int
	deleteCalls  int
	blockOnApply bool
}

func (p *flakyProvider) Apply(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	p.mu.Lock()
	p.applyCalls++
	var err error
	if len(p.applyErrs) > 0 {
		err, p.applyErrs = p.applyErrs[0], p.applyErrs[1:]
	}
	p.mu.Unlock()

	if p.blockOnApply {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return p.Provider.Apply(ctx, req)
}

func (p *flakyProvider) Delete(ctx context.Context, req *plugin.DeleteRequest) (*plugin.DeleteResponse, error) {
	p.mu.Lock()
	p.deleteCalls++
	var err error
	if len(p.deleteErrs) > 0 {
		err, p.deleteErrs = p.deleteErrs[0], p.deleteErrs[1:]
	}
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return p.Provider.Delete(ctx, req)
}

func newFlakyEngine(p *flakyProvider) *Engine {
	p.Provider = null.New()
	reg := provider.NewRegistry()
	reg.Register("null", p)
	eng := NewEngine(reg)
	eng.RetryPolicy = fastRetries
	return eng
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func createPlan(res *ir.Resource) *ir.Plan {
	return &ir.Plan{
		Changes: []*ir.ResourceChange{{Address: res.Address(), Action: "CREATE", Desired: res}},
		Summary: &ir.PlanSummary{Create: 1},
	}
}

func TestApplyPlan_RetriesThrottledApply(t *testing.T) {
	p := &flakyProvider{applyErrs: []error{apiError("ThrottlingException"), apiError("RequestLimitExceeded")}}
	eng := newFlakyEngine(p)

	st, err := eng.ApplyPlan(context.Background(), createPlan(nullResource("vpc", nil)), &ir.State{})
	require.NoError(t, err)
	assert.Equal(t, 3, p.applyCalls)
	require.Len(t, st.Resources, 1)
	assert.Equal(t, "null-vpc", st.Resources[0].Outputs["id"])
}

func TestApplyPlan_DoesNotRetryPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"access denied", apiError("AccessDenied")},
		{"cancelled", fmt.Errorf("creating vpc: %w", context.Canceled)},
		{"validation", errors.New("invalid cidr block")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &flakyProvider{applyErrs: []error{tt.err}}
			eng := newFlakyEngine(p)

			st, err := eng.ApplyPlan(context.Background(), createPlan(nullResource("vpc", nil)), &ir.State{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, p.applyCalls)
			assert.Empty(t, st.Resources)
		})
	}
}

func TestApplyPlan_GivesUpAfterMaxRetries(t *testing.T) {
	p := &flakyProvider{applyErrs: []error{
		apiError("ServiceUnavailable"), apiError("ServiceUnavailable"),
		apiError("ServiceUnavailable"), apiError("ServiceUnavailable"),
	}}
	eng := newFlakyEngine(p)

	_, err := eng.ApplyPlan(context.Background(), createPlan(nullResource("vpc", nil)), &ir.State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (3) exceeded")
	assert.Equal(t, 4, p.applyCalls)

	var apiErr smithy.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "ServiceUnavailable", apiErr.ErrorCode())
}

func TestApplyPlan_RetriesDependencyViolationOnDelete(t *testing.T) {
	p := &flakyProvider{deleteErrs: []error{apiError("DependencyViolation")}}
	eng := newFlakyEngine(p)

	vpc := nullResource("vpc", nil)
	state := &ir.State{Resources: []*ir.ResourceState{appliedState(t, vpc, map[string]any{"id": "null-vpc"})}}
	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{{Address: vpc.Address(), Action: "DELETE", Prior: vpc}},
		Summary: &ir.PlanSummary{Delete: 1},
	}

	st, err := eng.ApplyPlan(context.Background(), plan, state)
	require.NoError(t, err)
	assert.Equal(t, 2, p.deleteCalls)
	assert.Empty(t, st.Resources)
}

func TestApplyPlan_ResourceTimeout(t *testing.T) {
	p := &flakyProvider{blockOnApply: true}
	eng := newFlakyEngine(p)

	res := nullResource("service", nil)
	res.Timeout = "20ms"

	start := time.Now()
	_, err := eng.ApplyPlan(context.Background(), createPlan(res), &ir.State{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, p.applyCalls, "a deadline is not retried")
	assert.Less(t, time.Since(start), DefaultTimeout)
}

func TestWithTimeout_Default(t *testing.T) {
	ctx, cancel := WithTimeout(context.Background(), 0)
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultTimeout), deadline, time.Second)
}

func TestCalculateBackoff_Bounded(t *testing.T) {
	for attempt := 0; attempt < 8; attempt++ {
		d := calculateBackoff(attempt, 10*time.Millisecond, 50*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 50*time.Millisecond)
	}
}

func TestRetryWithBackoff_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := RetryWithBackoff(ctx, &RetryPolicy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Second}, func() error {
		attempts++
		cancel()
		return apiError("Throttling")
	}, IsTransientError)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttling code", apiError("Throttling"), true},
		{"wrapped request limit", fmt.Errorf("deleting subnet: %w", apiError("RequestLimitExceeded")), true},
		{"dependency violation", apiError("DependencyViolation"), true},
		{"access denied code", apiError("AccessDenied"), false},
		{"not found code", apiError("InvalidVpcID.NotFound"), false},
		{"rate message", errors.New("Rate exceeded"), true},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"plain failure", errors.New("bucket name already taken"), false},
		{"deadline", fmt.Errorf("waiting for service: %w", context.DeadlineExceeded), false},
		{"cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}
