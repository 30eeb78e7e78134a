// Package stack synthesizes the resource graph of a DICOM STOW-RS ingestion
// deployment from a DeploymentConfig.
package stack

import (
	"fmt"
	"sort"

	"github.com/stowrs-to-s3/stowrs-infra/internal/config"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

// Providers that own the synthesized resources.
const (
	ProviderAWS    = "aws"
	ProviderDocker = "docker"
)

// DeploymentTagKey identifies every resource of one deployment.
const DeploymentTagKey = "deployment"

// untaggable lists resource types whose APIs accept no tags. Tags are
// applied to every other resource.
var untaggable = map[string]bool{
	TypeRolePolicy:   true,
	TypeBucketPolicy: true,
}

// Stack collects the resources declared by the provisioners of one synthesis.
type Stack struct {
	app       string
	env       config.Environment
	resources []*ir.Resource
	index     map[string]*ir.Resource
	outputs   map[string]any
}

func newStack(app string, env config.Environment) *Stack {
	return &Stack{
		app:     app,
		env:     env,
		index:   make(map[string]*ir.Resource),
		outputs: make(map[string]any),
	}
}

// add declares a resource. Declaring the same address twice is a programming
// error in a provisioner.
func (s *Stack) add(typ, name string, props map[string]any, dependsOn ...*ir.Resource) *ir.Resource {
	provider := ProviderAWS
	if typ == TypeImage {
		provider = ProviderDocker
	}

	res := &ir.Resource{
		Type:       typ,
		Name:       name,
		Provider:   provider,
		Properties: props,
	}
	for _, dep := range dependsOn {
		res.DependsOn = append(res.DependsOn, dep.Address())
	}

	if _, exists := s.index[res.Address()]; exists {
		panic(fmt.Sprintf("resource %s declared twice", res.Address()))
	}
	s.index[res.Address()] = res
	s.resources = append(s.resources, res)
	return res
}

// physicalName derives an account-unique name from the application name.
func (s *Stack) physicalName(suffix string) string {
	return s.app + "-" + suffix
}

// output records a value reported after deployment.
func (s *Stack) output(key string, value any) {
	s.outputs[key] = value
}

// tag applies the deployment tag and then every configured tag to each
// taggable resource, so a configured "deployment" tag replaces the default.
// Container images carry the tags as labels.
func (s *Stack) tag(tags map[string]string) {
	merged := make(map[string]string, len(tags)+1)
	merged[DeploymentTagKey] = s.app
	for k, v := range tags {
		merged[k] = v
	}

	for _, res := range s.resources {
		if untaggable[res.Type] {
			continue
		}
		key := "tags"
		if res.Type == TypeImage {
			key = "labels"
		}
		res.Properties[key] = stringMap(merged)
	}
}

func (s *Stack) graph(topology config.CertificateTopology) *ir.Config {
	return &ir.Config{
		Metadata: &ir.Metadata{
			App:      s.app,
			Account:  s.env.Account,
			Region:   s.env.Region,
			Topology: string(topology.Mode()),
		},
		Resources: s.resources,
		Outputs:   s.outputs,
	}
}

// Ref returns a reference to an attribute of a resource, resolved by the
// engine once the resource exists.
func Ref(res *ir.Resource, attr string) string {
	return fmt.Sprintf("ptr://%s/%s/%s", res.Type, res.Name, attr)
}

func refs(resources []*ir.Resource, attr string) []any {
	out := make([]any, 0, len(resources))
	for _, res := range resources {
		out = append(out, Ref(res, attr))
	}
	return out
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
