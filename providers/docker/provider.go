// Package docker builds container images from local source directories and
// pushes them to ECR repositories.
package docker

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/docker/docker/client"

	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

const TypeImage = "docker:Image"

// ImageConfig describes an image built from Context and pushed as
// RepositoryURL:Tag.
type ImageConfig struct {
	Context       string            `json:"context"`
	Dockerfile    string            `json:"dockerfile"`
	RepositoryURL string            `json:"repositoryUrl"`
	Tag           string            `json:"tag"`
	Platform      string            `json:"platform"`
	Labels        map[string]string `json:"labels"`
}

type ImageState struct {
	ID            string `json:"id"`
	ImageURI      string `json:"imageUri"`
	RepositoryURL string `json:"repositoryUrl"`
	Tag           string `json:"tag"`
}

type Provider struct {
	mu     sync.Mutex
	region string
	client *client.Client
	ecr    *ecr.Client
}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) ensureClient(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}

	var opts []func(*config.LoadOptions) error
	if p.region != "" {
		opts = append(opts, config.WithRegion(p.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load SDK config, %v", err)
	}

	p.client = cli
	p.ecr = ecr.NewFromConfig(cfg)
	return nil
}

func (p *Provider) Configure(ctx context.Context, req *plugin.ConfigureRequest) (*plugin.ConfigureResponse, error) {
	p.mu.Lock()
	p.region = req.Region
	p.mu.Unlock()

	if err := p.ensureClient(ctx); err != nil {
		return &plugin.ConfigureResponse{
			Diagnostics: []*plugin.Diagnostic{
				{
					Severity: plugin.SeverityError,
					Summary:  "Failed to create Docker client",
					Detail:   err.Error(),
				},
			},
		}, nil
	}
	return &plugin.ConfigureResponse{}, nil
}

// Plan replaces an image on any change: a pushed tag is immutable.
func (p *Provider) Plan(ctx context.Context, req *plugin.PlanRequest) (*plugin.PlanResponse, error) {
	if req.Type != TypeImage {
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	return plugin.DefaultPlan(req)
}

func (p *Provider) Apply(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.Type != TypeImage {
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}
	return p.applyImage(ctx, req)
}

func (p *Provider) Delete(ctx context.Context, req *plugin.DeleteRequest) (*plugin.DeleteResponse, error) {
	if req.Type != TypeImage {
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	if len(req.CurrentStateJSON) == 0 || string(req.CurrentStateJSON) == "null" {
		return &plugin.DeleteResponse{}, nil
	}
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}
	if _, err := p.applyImage(ctx, &plugin.ApplyRequest{
		Type:           req.Type,
		Name:           req.Name,
		PriorStateJSON: req.CurrentStateJSON,
	}); err != nil {
		return nil, err
	}
	return &plugin.DeleteResponse{}, nil
}
