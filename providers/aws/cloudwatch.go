package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"

	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

type LogGroupConfig struct {
	Name            string            `json:"name"`
	RetentionInDays int32             `json:"retentionInDays"`
	Tags            map[string]string `json:"tags"`
}

type LogGroupState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

func (p *Provider) applyLogGroup(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	var prior LogGroupState
	if len(req.PriorStateJSON) > 0 && string(req.PriorStateJSON) != "null" {
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
	}

	if req.DesiredConfigJSON == nil {
		if prior.Name != "" {
			_, err := p.cloudwatchlogsClient.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{
				LogGroupName: &prior.Name,
			})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete log group: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired LogGroupConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	if prior.Name == "" {
		_, err := p.cloudwatchlogsClient.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
			LogGroupName: &desired.Name,
			Tags:         desired.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create log group: %w", err)
		}
	}

	if desired.RetentionInDays > 0 {
		_, err := p.cloudwatchlogsClient.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    &desired.Name,
			RetentionInDays: aws.Int32(desired.RetentionInDays),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set retention on log group %s: %w", desired.Name, err)
		}
	} else if prior.Name != "" {
		_, err := p.cloudwatchlogsClient.DeleteRetentionPolicy(ctx, &cloudwatchlogs.DeleteRetentionPolicyInput{
			LogGroupName: &desired.Name,
		})
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to clear retention on log group %s: %w", desired.Name, err)
		}
	}

	arn, err := p.logGroupARN(ctx, desired.Name)
	if err != nil {
		return nil, err
	}
	if prior.Name != "" && len(desired.Tags) > 0 {
		_, err := p.cloudwatchlogsClient.TagResource(ctx, &cloudwatchlogs.TagResourceInput{
			ResourceArn: &arn,
			Tags:        desired.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to tag log group %s: %w", desired.Name, err)
		}
	}

	return stateResponse(LogGroupState{ID: desired.Name, Name: desired.Name, ARN: arn})
}

// logGroupARN looks up a log group by exact name. Describe reports the ARN
// with a trailing ":*" that tagging APIs reject.
func (p *Provider) logGroupARN(ctx context.Context, name string) (string, error) {
	resp, err := p.cloudwatchlogsClient.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: &name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe log group %s: %w", name, err)
	}
	for _, g := range resp.LogGroups {
		if aws.ToString(g.LogGroupName) == name {
			return strings.TrimSuffix(aws.ToString(g.Arn), ":*"), nil
		}
	}
	return "", fmt.Errorf("log group %s not found", name)
}
