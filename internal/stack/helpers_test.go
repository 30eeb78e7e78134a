package stack

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/stowrs-to-s3/stowrs-infra/internal/config"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

// testFs holds the two container source directories referenced by testConfig.
func testFs(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/nginx/Dockerfile", []byte("FROM nginx:stable\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/nginx/nginx.conf", []byte("events {}\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/app/Dockerfile", []byte("FROM python:3.12-slim\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/src/app/main.py", []byte("print('stow')\n"), 0644))
	return fs
}

func testConfig() config.DeploymentConfig {
	cfg := config.Default()
	cfg.TaskDefinition.NginxContainer.SourceDirectory = "nginx"
	cfg.TaskDefinition.AppContainer.SourceDirectory = "app"
	return cfg
}

func synth(t *testing.T, cfg config.DeploymentConfig) *ir.Config {
	t.Helper()
	graph, err := Synthesize(cfg, Options{Fs: testFs(t), BaseDir: "/src"})
	require.NoError(t, err)
	return graph
}

func ofType(graph *ir.Config, typ string) []*ir.Resource {
	var out []*ir.Resource
	for _, res := range graph.Resources {
		if res.Type == typ {
			out = append(out, res)
		}
	}
	return out
}

func single(t *testing.T, graph *ir.Config, typ string) *ir.Resource {
	t.Helper()
	found := ofType(graph, typ)
	require.Len(t, found, 1, "resources of type %s", typ)
	return found[0]
}

// containerEnv returns the environment of a container as an ordered list of
// name=value pairs.
func containerEnv(t *testing.T, graph *ir.Config, container string) []string {
	t.Helper()
	td := single(t, graph, TypeTaskDefinition)
	for _, c := range td.Properties["containerDefinitions"].([]any) {
		def := c.(map[string]any)
		if def["name"] != container {
			continue
		}
		var out []string
		for _, e := range def["environment"].([]any) {
			kv := e.(map[string]any)
			out = append(out, kv["name"].(string)+"="+kv["value"].(string))
		}
		return out
	}
	t.Fatalf("container %s not found", container)
	return nil
}

func envValue(env []string, name string) (string, bool) {
	for _, kv := range env {
		if k, v, _ := strings.Cut(kv, "="); k == name {
			return v, true
		}
	}
	return "", false
}

// grantedResources returns the resource ARNs of every statement of the task
// role's bucket policy.
func grantedResources(t *testing.T, graph *ir.Config) [][]any {
	t.Helper()
	policy := single(t, graph, TypeRolePolicy).Properties["policy"].(map[string]any)
	var out [][]any
	for _, st := range policy["Statement"].([]any) {
		out = append(out, st.(map[string]any)["Resource"].([]any))
	}
	return out
}

func ingressCIDRs(t *testing.T, graph *ir.Config) []string {
	t.Helper()
	sg := single(t, graph, TypeSecurityGroup)
	var out []string
	for _, r := range sg.Properties["ingress"].([]any) {
		rule := r.(map[string]any)
		require.Equal(t, "tcp", rule["protocol"])
		require.Equal(t, ListenerPort, rule["fromPort"])
		require.Equal(t, ListenerPort, rule["toPort"])
		out = append(out, rule["cidrIp"].(string))
	}
	return out
}
