package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/stowrs-to-s3/stowrs-infra/internal/assembly"
	"github.com/stowrs-to-s3/stowrs-infra/internal/config"
	"github.com/stowrs-to-s3/stowrs-infra/internal/engine"
	"github.com/stowrs-to-s3/stowrs-infra/internal/eval"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
	"github.com/stowrs-to-s3/stowrs-infra/internal/provider"
	"github.com/stowrs-to-s3/stowrs-infra/internal/stack"
	"github.com/stowrs-to-s3/stowrs-infra/internal/state"
	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

const defaultConfigFile = "stowrs.yaml"

// graphOptions selects where the resource graph comes from: a deployment
// configuration to synthesize, or an assembly written by synth.
type graphOptions struct {
	configPath   string
	assemblyPath string
}

func (o *graphOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.configPath, "config", "c", defaultConfigFile, "Deployment configuration (.pkl, .yaml, .yml or .json)")
	cmd.Flags().StringVar(&o.assemblyPath, "assembly", "", "Read a synthesized graph (.json, .yaml or .pkl) instead of the configuration")
	cmd.MarkFlagsMutuallyExclusive("config", "assembly")
}

// loadConfig reads and validates the deployment configuration.
func (o *graphOptions) loadConfig(ctx context.Context) (config.DeploymentConfig, error) {
	cfg, err := config.Load(ctx, o.configPath)
	if err != nil {
		return config.DeploymentConfig{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// loadGraph returns the resource graph, synthesizing it for the environment
// named by STOWRS_ACCOUNT and STOWRS_REGION unless an assembly was given.
func (o *graphOptions) loadGraph(ctx context.Context) (*ir.Config, error) {
	if o.assemblyPath != "" {
		if strings.EqualFold(filepath.Ext(o.assemblyPath), ".pkl") {
			return loadPklGraph(ctx, o.assemblyPath)
		}
		graph, err := assembly.Read(afero.NewOsFs(), o.assemblyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read assembly: %w", err)
		}
		return graph, nil
	}

	cfg, err := o.loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", o.configPath, err)
	}
	graph, err := stack.Synthesize(cfg, stack.Options{
		Env:     config.EnvironmentFromEnv(),
		BaseDir: filepath.Dir(abs),
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	return graph, nil
}

// loadPklGraph evaluates a graph written as a Pkl module, for graphs
// composed by hand instead of synthesized.
func loadPklGraph(ctx context.Context, path string) (*ir.Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	graph, err := eval.NewEvaluator(filepath.Dir(abs)).LoadConfig(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read assembly: %w", err)
	}
	if len(graph.Resources) == 0 {
		return nil, fmt.Errorf("assembly %s declares no resources", path)
	}
	return graph, nil
}

// stateOptions selects the state backend. A bucket switches to S3.
type stateOptions struct {
	path      string
	bucket    string
	key       string
	lockTable string
	region    string
}

func (o *stateOptions) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.path, "state", state.DefaultPath, "Local state file")
	flags.StringVar(&o.bucket, "state-bucket", "", "S3 bucket holding the state")
	flags.StringVar(&o.key, "state-key", "", "S3 key of the state object")
	flags.StringVar(&o.lockTable, "state-lock-table", "", "DynamoDB table used to lock the S3 state")
	flags.StringVar(&o.region, "state-region", "", "Region of the state bucket")
}

func (o *stateOptions) backend(ctx context.Context) (state.Backend, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	cfg := &state.BackendConfig{Type: state.BackendLocal, Path: o.path}
	if o.bucket != "" {
		cfg = &state.BackendConfig{
			Type:      state.BackendS3,
			Bucket:    o.bucket,
			Key:       o.key,
			Region:    o.region,
			LockTable: o.lockTable,
			Encrypt:   true,
		}
	}
	return state.NewBackend(ctx, cfg, eval.NewEvaluator(wd))
}

// newEngine loads and configures every provider the graph and the recorded
// state refer to. Either may be nil.
func newEngine(ctx context.Context, graph *ir.Config, st *ir.State) (*engine.Engine, error) {
	registry := provider.NewRegistry()

	names := map[string]bool{}
	if graph != nil {
		for _, res := range graph.Resources {
			names[res.Provider] = true
		}
	}
	if st != nil {
		for _, res := range st.Resources {
			names[res.Provider] = true
		}
	}
	for name := range names {
		if name == "" {
			continue
		}
		if err := registry.LoadProvider(name); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", name, err)
		}
	}

	warnings, err := registry.Configure(ctx, configureRequest(graph))
	if err != nil {
		return nil, err
	}
	for _, d := range warnings {
		logging.Warn(d.Summary, "detail", d.Detail)
	}
	return engine.NewEngine(registry), nil
}

// configureRequest targets the environment the graph was synthesized for,
// falling back to the process environment for agnostic graphs.
func configureRequest(graph *ir.Config) *plugin.ConfigureRequest {
	env := config.EnvironmentFromEnv()
	req := &plugin.ConfigureRequest{Region: env.Region, Account: env.Account}
	if graph != nil && graph.Metadata != nil {
		if graph.Metadata.Region != "" {
			req.Region = graph.Metadata.Region
		}
		if graph.Metadata.Account != "" {
			req.Account = graph.Metadata.Account
		}
	}
	return req
}
