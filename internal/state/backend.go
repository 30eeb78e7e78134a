package state

import (
	"context"
	"fmt"

	"github.com/stowrs-to-s3/stowrs-infra/internal/eval"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

// Backend defines the interface for state storage backends.
type Backend interface {
	// Read loads the state from the backend.
	Read(ctx context.Context) (*ir.State, error)

	// Write saves the state to the backend.
	Write(ctx context.Context, state *ir.State) error

	// Lock acquires an exclusive lock on the state.
	Lock(ctx context.Context) error

	// Unlock releases the lock on the state.
	Unlock(ctx context.Context) error
}

var (
	_ Backend = (*Manager)(nil)
	_ Backend = (*s3Backend)(nil)
)

// Backend types.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// BackendConfig selects and configures a state backend.
type BackendConfig struct {
	Type string

	// Path is the local state file.
	Path string

	// S3 backend.
	Bucket    string
	Key       string
	Region    string
	LockTable string
	Encrypt   bool
	Profile   string
}

// NewBackend creates a state backend from configuration. The evaluator
// parses Pkl state content.
func NewBackend(ctx context.Context, cfg *BackendConfig, evaluator *eval.Evaluator) (Backend, error) {
	if cfg == nil {
		return nil, fmt.Errorf("backend configuration is nil")
	}

	switch cfg.Type {
	case BackendLocal, "":
		path := cfg.Path
		if path == "" {
			path = DefaultPath
		}
		return NewManager(path, evaluator), nil
	case BackendS3:
		return newS3Backend(ctx, cfg, evaluator)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
