package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

type RepositoryConfig struct {
	RepositoryName     string            `json:"repositoryName"`
	ImageScanOnPush    bool              `json:"imageScanOnPush"`
	ImageTagMutability string            `json:"imageTagMutability"`
	ForceDelete        bool              `json:"forceDelete"`
	Tags               map[string]string `json:"tags"`
}

type RepositoryState struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ARN           string `json:"arn"`
	RepositoryURI string `json:"repositoryUri"`
	ForceDelete   bool   `json:"forceDelete"`
}

func (p *Provider) applyRepository(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior RepositoryState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.Name != "" {
			_, err := p.ecrClient.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
				RepositoryName: &prior.Name,
				Force:          prior.ForceDelete,
			})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete repository: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired RepositoryConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	input := &ecr.CreateRepositoryInput{
		RepositoryName:             &desired.RepositoryName,
		ImageScanningConfiguration: &types.ImageScanningConfiguration{ScanOnPush: desired.ImageScanOnPush},
	}
	if desired.ImageTagMutability != "" {
		input.ImageTagMutability = types.ImageTagMutability(desired.ImageTagMutability)
	}
	for _, k := range sortedTagKeys(desired.Tags) {
		input.Tags = append(input.Tags, types.Tag{Key: aws.String(k), Value: aws.String(desired.Tags[k])})
	}

	resp, err := p.ecrClient.CreateRepository(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}

	return stateResponse(RepositoryState{
		ID:            aws.ToString(resp.Repository.RepositoryArn),
		Name:          aws.ToString(resp.Repository.RepositoryName),
		ARN:           aws.ToString(resp.Repository.RepositoryArn),
		RepositoryURI: aws.ToString(resp.Repository.RepositoryUri),
		ForceDelete:   desired.ForceDelete,
	})
}
