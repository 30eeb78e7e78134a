// Package eval evaluates Pkl modules into Go values.
package eval

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/apple/pkl-go/pkl"

	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

// Evaluator evaluates Pkl modules relative to a project directory.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// Evaluate evaluates the module at file and decodes it into out, which must
// be a pointer to a struct with pkl tags. A PklProject in the project
// directory is honored when present.
func (e *Evaluator) Evaluate(ctx context.Context, file string, out any) error {
	evaluator, err := e.newEvaluator(ctx)
	if err != nil {
		return err
	}
	defer evaluator.Close()

	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(file), out); err != nil {
		return fmt.Errorf("failed to evaluate %s: %w", file, err)
	}
	return nil
}

// LoadConfig evaluates a resource graph module.
func (e *Evaluator) LoadConfig(ctx context.Context, file string) (*ir.Config, error) {
	var cfg ir.Config
	if err := e.Evaluate(ctx, file, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadStateText evaluates the text of a state module. State modules declare
// their own schema, so no project is needed.
func (e *Evaluator) LoadStateText(ctx context.Context, text string) (*ir.State, error) {
	evaluator, err := pkl.NewEvaluator(ctx, pkl.PreconfiguredOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var state ir.State
	if err := evaluator.EvaluateModule(ctx, pkl.TextSource(text), &state); err != nil {
		return nil, fmt.Errorf("failed to evaluate state: %w", err)
	}

	return &state, nil
}

func (e *Evaluator) newEvaluator(ctx context.Context) (pkl.Evaluator, error) {
	if e.projectDir != "" {
		if _, err := os.Stat(filepath.Join(e.projectDir, "PklProject")); err == nil {
			u, err := url.Parse("file://" + e.projectDir + "/")
			if err != nil {
				return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
			}
			evaluator, err := pkl.NewProjectEvaluator(ctx, u, pkl.PreconfiguredOptions)
			if err != nil {
				return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
			}
			return evaluator, nil
		}
	}

	evaluator, err := pkl.NewEvaluator(ctx, pkl.PreconfiguredOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	return evaluator, nil
}
