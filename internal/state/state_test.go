package state

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowrs-to-s3/stowrs-infra/internal/eval"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

func testState() *ir.State {
	return &ir.State{
		Version: 1,
		Serial:  2,
		Lineage: "abc-123",
		Outputs: map[string]any{"LoadBalancerDNS": "nlb.example.com"},
		Resources: []*ir.ResourceState{
			{
				Type:     "aws:S3.Bucket",
				Name:     "dicom-bucket",
				Provider: "aws",
				Inputs: map[string]any{
					"bucketName": "dicom",
					"tags":       map[string]any{"deployment": "app"},
					"encryption": "S3_MANAGED",
				},
				InputsHash:   "hash123",
				Outputs:      map[string]any{"name": "dicom", "arn": "arn:aws:s3:::dicom"},
				Dependencies: []string{"aws:S3.Bucket.log-bucket"},
			},
			{
				Type:       "aws:EC2.SecurityGroup",
				Name:       "task-sg",
				Provider:   "aws",
				Inputs:     map[string]any{"ingress": []any{map[string]any{"fromPort": 443, "cidrIp": "10.0.0.0/24"}}},
				InputsHash: "hash456",
			},
		},
	}
}

func TestSerializeState(t *testing.T) {
	content := SerializeState(testState())

	assert.Contains(t, content, "class ResourceState {")
	assert.Contains(t, content, "version: Int = 1")
	assert.Contains(t, content, "serial: Int = 2")
	assert.Contains(t, content, `lineage: String = "abc-123"`)
	assert.Contains(t, content, `["LoadBalancerDNS"] = "nlb.example.com"`)
	assert.Contains(t, content, `type = "aws:S3.Bucket"`)
	assert.Contains(t, content, `name = "dicom-bucket"`)
	assert.Contains(t, content, `["tags"] = new Mapping {`)
	assert.Contains(t, content, `["ingress"] = new Listing {`)
	assert.Contains(t, content, `["fromPort"] = 443`)
	assert.Contains(t, content, `"aws:S3.Bucket.log-bucket"`)
	assert.Contains(t, content, "dependencies = new {}")
}

func TestSerializeState_Deterministic(t *testing.T) {
	first := SerializeState(testState())
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, SerializeState(testState()))
	}
}

func TestPklString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", `"plain"`},
		{`quote"d`, `"quote\"d"`},
		{`back\slash`, `"back\\slash"`},
		{`\(interp)`, `"\\(interp)"`},
		{"line\nbreak\ttab", `"line\nbreak\ttab"`},
		{"nul\x00", `"nul\u{0}"`},
		{"héllo", `"héllo"`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pklString(tt.in), tt.in)
	}
}

func TestPklValue(t *testing.T) {
	assert.Equal(t, "null", pklValue(nil, 0))
	assert.Equal(t, "true", pklValue(true, 0))
	assert.Equal(t, "30", pklValue(30, 0))
	assert.Equal(t, "30", pklValue(float64(30), 0))
	assert.Equal(t, "0.5", pklValue(0.5, 0))
	assert.Equal(t, "new Mapping {}", pklValue(map[string]any{}, 0))
	assert.Equal(t, "new Listing {}", pklValue([]any{}, 0))
	assert.Equal(t, "new Listing {\n  \"a\"\n}", pklValue([]string{"a"}, 0))
}

func TestNormalize(t *testing.T) {
	st := &ir.State{
		Outputs: map[string]any{"k": map[any]any{"a": 1}},
		Resources: []*ir.ResourceState{
			{
				Inputs: map[string]any{
					"tags":    map[any]any{"deployment": "app"},
					"ingress": []any{map[any]any{"port": 443}},
				},
			},
		},
	}
	normalize(st)

	assert.Equal(t, map[string]any{"a": 1}, st.Outputs["k"])
	assert.Equal(t, map[string]any{"deployment": "app"}, st.Resources[0].Inputs["tags"])
	assert.Equal(t, []any{map[string]any{"port": 443}}, st.Resources[0].Inputs["ingress"])
	assert.Nil(t, st.Resources[0].Outputs)
}

func TestManager_ReadMissing(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), ".stowrs", "state.pkl"), eval.NewEvaluator(""))

	s, err := mgr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Version, s.Version)
	assert.Zero(t, s.Serial)
	assert.NotEmpty(t, s.Lineage)
}

func TestManager_Write(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	statePath := filepath.Join(t.TempDir(), ".stowrs", "state.pkl")
	mgr := NewManager(statePath, eval.NewEvaluator(""))

	s := &ir.State{Version: 1}
	require.NoError(t, mgr.Write(context.Background(), s))
	assert.Equal(t, 1, s.Serial)
	assert.NotEmpty(t, s.Lineage)

	content, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "serial: Int = 1")

	_, err = os.Stat(statePath + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestManager_RoundTrip(t *testing.T) {
	if _, err := exec.LookPath("pkl"); err != nil {
		t.Skip("pkl binary not installed")
	}
	t.Setenv(EncryptionKeyEnvVar, "round-trip-key")
	ctx := context.Background()
	mgr := NewManager(filepath.Join(t.TempDir(), "state.pkl"), eval.NewEvaluator(""))

	require.NoError(t, mgr.Write(ctx, testState()))
	got, err := mgr.Read(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, got.Serial)
	assert.Equal(t, "abc-123", got.Lineage)
	assert.Equal(t, "nlb.example.com", got.Outputs["LoadBalancerDNS"])
	require.Len(t, got.Resources, 2)
	assert.Equal(t, "dicom-bucket", got.Resources[0].Name)
	assert.Equal(t, map[string]any{"deployment": "app"}, got.Resources[0].Inputs["tags"])
	assert.Equal(t, []string{"aws:S3.Bucket.log-bucket"}, got.Resources[0].Dependencies)
}

func TestManager_Lock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.pkl")
	a := NewManager(path, nil)
	b := NewManager(path, nil)

	require.NoError(t, a.Lock(ctx))
	err := b.Lock(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, a.Unlock(ctx))
	require.NoError(t, b.Lock(ctx))
	require.NoError(t, b.Unlock(ctx))
	require.NoError(t, b.Unlock(ctx))
}

func TestManager_StaleLock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.pkl")
	mgr := NewManager(path, nil)

	require.NoError(t, os.WriteFile(mgr.lockPath(), []byte("pid=1\n"), 0644))
	old := time.Now().Add(-2 * staleLockAge)
	require.NoError(t, os.Chtimes(mgr.lockPath(), old, old))

	require.NoError(t, mgr.Lock(ctx))
	require.NoError(t, mgr.Unlock(ctx))
}
