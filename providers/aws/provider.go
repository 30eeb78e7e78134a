// Package aws manages the AWS resources of a STOW-RS deployment.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

type Provider struct {
	mu      sync.Mutex
	region  string
	account string

	s3Client             *s3.Client
	ec2Client            *ec2.Client
	iamClient            *iam.Client
	ecrClient            *ecr.Client
	ecsClient            *ecs.Client
	elbv2Client          *elasticloadbalancingv2.Client
	acmClient            *acm.Client
	cloudwatchlogsClient *cloudwatchlogs.Client
	stsClient            *sts.Client
}

func New() *Provider {
	return &Provider{}
}

// applyFunc creates or updates a resource from req, or deletes it when
// req.DesiredConfigJSON is nil.
type applyFunc func(p *Provider, ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error)

var handlers = map[string]applyFunc{
	"aws:EC2.Vpc":             (*Provider).applyVpc,
	"aws:EC2.Subnet":          (*Provider).applySubnet,
	"aws:EC2.InternetGateway": (*Provider).applyInternetGateway,
	"aws:EC2.ElasticIP":       (*Provider).applyElasticIP,
	"aws:EC2.NatGateway":      (*Provider).applyNatGateway,
	"aws:EC2.RouteTable":      (*Provider).applyRouteTable,
	"aws:EC2.SecurityGroup":   (*Provider).applySecurityGroup,

	"aws:S3.Bucket":       (*Provider).applyBucket,
	"aws:S3.BucketPolicy": (*Provider).applyBucketPolicy,

	"aws:IAM.Role":       (*Provider).applyRole,
	"aws:IAM.RolePolicy": (*Provider).applyRolePolicy,

	"aws:ELBv2.LoadBalancer": (*Provider).applyLoadBalancer,
	"aws:ELBv2.TargetGroup":  (*Provider).applyTargetGroup,
	"aws:ELBv2.Listener":     (*Provider).applyListener,

	"aws:ECS.Cluster":         (*Provider).applyCluster,
	"aws:ECS.TaskDefinition":  (*Provider).applyTaskDefinition,
	"aws:ECS.Service":         (*Provider).applyService,
	"aws:ECR.Repository":      (*Provider).applyRepository,
	"aws:CloudWatch.LogGroup": (*Provider).applyLogGroup,
}

// updatable lists, per type, the attributes that change in place. Any other
// change replaces the resource.
var updatable = map[string][]string{
	"aws:S3.Bucket":           {"tags"},
	"aws:S3.BucketPolicy":     {"policy"},
	"aws:IAM.RolePolicy":      {"policy"},
	"aws:CloudWatch.LogGroup": {"retentionInDays", "tags"},
	"aws:ECS.Service":         {"desiredCount", "taskDefinition", "networkConfiguration", "tags"},
}

// SupportedTypes returns the resource types this provider manages, sorted.
func SupportedTypes() []string {
	types := make([]string, 0, len(handlers))
	for t := range handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (p *Provider) ensureClient(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ec2Client != nil {
		return nil
	}

	var opts []func(*config.LoadOptions) error
	if p.region != "" {
		opts = append(opts, config.WithRegion(p.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("unable to load SDK config, %v", err)
	}
	if cfg.Region == "" {
		return fmt.Errorf("no AWS region configured, set STOWRS_REGION or AWS_REGION")
	}
	p.region = cfg.Region

	p.s3Client = s3.NewFromConfig(cfg)
	p.ec2Client = ec2.NewFromConfig(cfg)
	p.iamClient = iam.NewFromConfig(cfg)
	p.ecrClient = ecr.NewFromConfig(cfg)
	p.ecsClient = ecs.NewFromConfig(cfg)
	p.elbv2Client = elasticloadbalancingv2.NewFromConfig(cfg)
	p.acmClient = acm.NewFromConfig(cfg)
	p.cloudwatchlogsClient = cloudwatchlogs.NewFromConfig(cfg)
	p.stsClient = sts.NewFromConfig(cfg)

	return nil
}

func (p *Provider) Configure(ctx context.Context, req *plugin.ConfigureRequest) (*plugin.ConfigureResponse, error) {
	p.mu.Lock()
	p.region = req.Region
	p.account = req.Account
	p.mu.Unlock()

	if err := p.ensureClient(ctx); err != nil {
		return &plugin.ConfigureResponse{
			Diagnostics: []*plugin.Diagnostic{
				{
					Severity: plugin.SeverityError,
					Summary:  "Failed to load AWS config",
					Detail:   err.Error(),
				},
			},
		}, nil
	}

	// The credentials must belong to the account the graph was synthesized for.
	if req.Account != "" {
		identity, err := p.stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
		if err != nil {
			return &plugin.ConfigureResponse{
				Diagnostics: []*plugin.Diagnostic{
					{Severity: plugin.SeverityError, Summary: "Failed to verify AWS credentials", Detail: err.Error()},
				},
			}, nil
		}
		if got := aws.ToString(identity.Account); got != req.Account {
			return &plugin.ConfigureResponse{
				Diagnostics: []*plugin.Diagnostic{
					{
						Severity: plugin.SeverityError,
						Summary:  "AWS credentials belong to another account",
						Detail:   fmt.Sprintf("expected account %s, credentials are for %s", req.Account, got),
					},
				},
			}, nil
		}
	}

	logging.Debug("aws provider configured", "region", p.region, "account", req.Account)
	return &plugin.ConfigureResponse{}, nil
}

func (p *Provider) Plan(ctx context.Context, req *plugin.PlanRequest) (*plugin.PlanResponse, error) {
	if _, ok := handlers[req.Type]; !ok {
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}

	switch req.Type {
	case "aws:S3.Bucket":
		if err := p.ensureClient(ctx); err != nil {
			return nil, err
		}
		return p.planBucket(ctx, req)
	}

	return plugin.DefaultPlan(req, updatable[req.Type]...)
}

func (p *Provider) Apply(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	apply, ok := handlers[req.Type]
	if !ok {
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}
	return apply(p, ctx, req)
}

func (p *Provider) Delete(ctx context.Context, req *plugin.DeleteRequest) (*plugin.DeleteResponse, error) {
	apply, ok := handlers[req.Type]
	if !ok {
		return nil, fmt.Errorf("unknown resource type: %s", req.Type)
	}
	if len(req.CurrentStateJSON) == 0 || string(req.CurrentStateJSON) == "null" {
		return &plugin.DeleteResponse{}, nil
	}
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}
	if _, err := apply(p, ctx, &plugin.ApplyRequest{
		Type:           req.Type,
		Name:           req.Name,
		PriorStateJSON: req.CurrentStateJSON,
	}); err != nil {
		return nil, err
	}
	return &plugin.DeleteResponse{}, nil
}

// decode unmarshals the desired config, or the prior state on delete.
func decode(data []byte, out any, what string) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return nil
}

func stateResponse(state any) (*plugin.ApplyResponse, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return &plugin.ApplyResponse{NewStateJSON: stateJSON}, nil
}

// policyDocument renders a policy given either as a JSON string or as an
// object.
func policyDocument(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "", fmt.Errorf("policy must be a JSON document: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// sortedTagKeys keeps tag order stable across calls.
func sortedTagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
