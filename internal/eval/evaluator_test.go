package eval

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvaluator(t *testing.T) {
	e := NewEvaluator("/tmp/project")
	assert.Equal(t, "/tmp/project", e.projectDir)
}

func TestEvaluator_Evaluate_MissingFile(t *testing.T) {
	if _, err := exec.LookPath("pkl"); err != nil {
		t.Skip("pkl binary not installed")
	}

	e := NewEvaluator(t.TempDir())
	var out struct {
		Name string `pkl:"name"`
	}
	err := e.Evaluate(context.Background(), filepath.Join(t.TempDir(), "missing.pkl"), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.pkl")
}
