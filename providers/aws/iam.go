package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

const iamWaitTimeout = 2 * time.Minute

type RoleConfig struct {
	Name              string            `json:"name"`
	AssumeRolePolicy  json.RawMessage   `json:"assumeRolePolicy"`
	ManagedPolicyArns []string          `json:"managedPolicyArns"`
	Tags              map[string]string `json:"tags"`
}

type RoleState struct {
	Name              string   `json:"name"`
	ARN               string   `json:"arn"`
	ID                string   `json:"id"`
	ManagedPolicyArns []string `json:"managedPolicyArns,omitempty"`
}

type RolePolicyConfig struct {
	RoleName   string          `json:"roleName"`
	PolicyName string          `json:"policyName"`
	Policy     json.RawMessage `json:"policy"`
}

type RolePolicyState struct {
	ID         string `json:"id"`
	RoleName   string `json:"roleName"`
	PolicyName string `json:"policyName"`
}

func (p *Provider) applyRole(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	// DELETE
	if req.DesiredConfigJSON == nil {
		var prior RoleState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.Name != "" {
			if err := p.deleteRole(ctx, prior); err != nil {
				return nil, err
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired RoleConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}
	trust, err := policyDocument(desired.AssumeRolePolicy)
	if err != nil {
		return nil, fmt.Errorf("role %s: %w", desired.Name, err)
	}

	input := &iam.CreateRoleInput{
		RoleName:                 &desired.Name,
		AssumeRolePolicyDocument: &trust,
	}
	for _, k := range sortedTagKeys(desired.Tags) {
		input.Tags = append(input.Tags, types.Tag{Key: aws.String(k), Value: aws.String(desired.Tags[k])})
	}

	resp, err := p.iamClient.CreateRole(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create role: %w", err)
	}

	// IAM Roles are eventually consistent.
	if err := iam.NewRoleExistsWaiter(p.iamClient).Wait(ctx, &iam.GetRoleInput{RoleName: &desired.Name}, iamWaitTimeout); err != nil {
		return nil, fmt.Errorf("role %s did not become visible: %w", desired.Name, err)
	}

	for _, arn := range desired.ManagedPolicyArns {
		_, err := p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  &desired.Name,
			PolicyArn: aws.String(arn),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to attach %s to role %s: %w", arn, desired.Name, err)
		}
	}

	return stateResponse(RoleState{
		Name:              aws.ToString(resp.Role.RoleName),
		ARN:               aws.ToString(resp.Role.Arn),
		ID:                aws.ToString(resp.Role.RoleId),
		ManagedPolicyArns: desired.ManagedPolicyArns,
	})
}

// deleteRole detaches managed policies and removes inline ones, which IAM
// requires before the role itself can go.
func (p *Provider) deleteRole(ctx context.Context, prior RoleState) error {
	for _, arn := range prior.ManagedPolicyArns {
		_, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  &prior.Name,
			PolicyArn: aws.String(arn),
		})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to detach %s from role %s: %w", arn, prior.Name, err)
		}
	}

	paginator := iam.NewListRolePoliciesPaginator(p.iamClient, &iam.ListRolePoliciesInput{RoleName: &prior.Name})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return fmt.Errorf("failed to list policies of role %s: %w", prior.Name, err)
		}
		for _, name := range page.PolicyNames {
			_, err := p.iamClient.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   &prior.Name,
				PolicyName: aws.String(name),
			})
			if err != nil && !isNotFound(err) {
				return fmt.Errorf("failed to delete policy %s of role %s: %w", name, prior.Name, err)
			}
		}
	}

	_, err := p.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: &prior.Name})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}

func (p *Provider) applyRolePolicy(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior RolePolicyState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.RoleName != "" {
			_, err := p.iamClient.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   &prior.RoleName,
				PolicyName: &prior.PolicyName,
			})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete role policy: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired RolePolicyConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}
	document, err := policyDocument(desired.Policy)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", desired.PolicyName, err)
	}

	// PutRolePolicy creates or replaces, so it also serves updates.
	_, err = p.iamClient.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       &desired.RoleName,
		PolicyName:     &desired.PolicyName,
		PolicyDocument: &document,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put policy %s on role %s: %w", desired.PolicyName, desired.RoleName, err)
	}

	return stateResponse(RolePolicyState{
		ID:         desired.RoleName + ":" + desired.PolicyName,
		RoleName:   desired.RoleName,
		PolicyName: desired.PolicyName,
	})
}
