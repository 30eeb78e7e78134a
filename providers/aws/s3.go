package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

type BucketConfig struct {
	BucketName        string            `json:"bucketName"`
	Encryption        string            `json:"encryption"`
	BlockPublicAccess bool              `json:"blockPublicAccess"`
	AccessLogging     *AccessLogging    `json:"accessLogging"`
	AutoDeleteObjects bool              `json:"autoDeleteObjects"`
	Tags              map[string]string `json:"tags"`
}

type AccessLogging struct {
	TargetBucket string `json:"targetBucket"`
	TargetPrefix string `json:"targetPrefix"`
}

type BucketState struct {
	Name              string `json:"name"`
	ARN               string `json:"arn"`
	AutoDeleteObjects bool   `json:"autoDeleteObjects"`
}

type BucketPolicyConfig struct {
	Bucket string          `json:"bucket"`
	Policy json.RawMessage `json:"policy"`
}

type BucketPolicyState struct {
	Bucket string `json:"bucket"`
}

func (p *Provider) planBucket(ctx context.Context, req *plugin.PlanRequest) (*plugin.PlanResponse, error) {
	if req.PriorStateJSON == nil {
		return plugin.DefaultPlan(req, updatable[req.Type]...)
	}

	var prior BucketState
	if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
		return nil, err
	}

	// 1. Check Drift: Does it exist?
	_, err := p.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &prior.Name,
	})
	if err != nil {
		var ae smithy.APIError
		if errors.As(err, &ae) && (ae.ErrorCode() == "NotFound" || ae.ErrorCode() == "NoSuchBucket") {
			// It's gone. We need to create it again.
			return &plugin.PlanResponse{Action: plugin.ActionCreate}, nil
		}
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	// 2. Compare recorded inputs
	return plugin.DefaultPlan(req, updatable[req.Type]...)
}

func (p *Provider) applyBucket(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	// DELETE
	if req.DesiredConfigJSON == nil {
		var prior BucketState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.Name == "" {
			return &plugin.ApplyResponse{}, nil
		}
		if prior.AutoDeleteObjects {
			if err := p.emptyBucket(ctx, prior.Name); err != nil {
				return nil, err
			}
		}
		_, err := p.s3Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: &prior.Name})
		if err != nil && !isNotFound(err) {
			return nil, fmt.Errorf("failed to delete bucket: %w", err)
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired BucketConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	// UPDATE only touches tags.
	if req.PriorStateJSON == nil {
		input := &s3.CreateBucketInput{Bucket: &desired.BucketName}
		if p.region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(p.region),
			}
		}
		_, err := p.s3Client.CreateBucket(ctx, input)
		if err != nil {
			var ae smithy.APIError
			// If already exists and owned by us, it's fine (idempotent for Create).
			if !errors.As(err, &ae) || ae.ErrorCode() != "BucketAlreadyOwnedByYou" {
				return nil, fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		if err := s3.NewBucketExistsWaiter(p.s3Client).Wait(ctx, &s3.HeadBucketInput{Bucket: &desired.BucketName}, ec2WaitTimeout); err != nil {
			return nil, fmt.Errorf("bucket %s did not become available: %w", desired.BucketName, err)
		}
		if err := p.configureBucket(ctx, desired); err != nil {
			return nil, err
		}
	}

	if len(desired.Tags) > 0 {
		var tagSet []types.Tag
		for _, k := range sortedTagKeys(desired.Tags) {
			tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(desired.Tags[k])})
		}
		_, err := p.s3Client.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  &desired.BucketName,
			Tagging: &types.Tagging{TagSet: tagSet},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to tag bucket %s: %w", desired.BucketName, err)
		}
	}

	return stateResponse(BucketState{
		Name:              desired.BucketName,
		ARN:               fmt.Sprintf("arn:aws:s3:::%s", desired.BucketName),
		AutoDeleteObjects: desired.AutoDeleteObjects,
	})
}

// configureBucket applies encryption, the public access block and access
// logging to a new bucket.
func (p *Provider) configureBucket(ctx context.Context, desired BucketConfig) error {
	bucket := &desired.BucketName

	if desired.Encryption != "" {
		_, err := p.s3Client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
			Bucket: bucket,
			ServerSideEncryptionConfiguration: &types.ServerSideEncryptionConfiguration{
				Rules: []types.ServerSideEncryptionRule{{
					ApplyServerSideEncryptionByDefault: &types.ServerSideEncryptionByDefault{
						SSEAlgorithm: types.ServerSideEncryption(desired.Encryption),
					},
				}},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to encrypt bucket %s: %w", desired.BucketName, err)
		}
	}

	if desired.BlockPublicAccess {
		_, err := p.s3Client.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
			Bucket: bucket,
			PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
				BlockPublicAcls:       aws.Bool(true),
				BlockPublicPolicy:     aws.Bool(true),
				IgnorePublicAcls:      aws.Bool(true),
				RestrictPublicBuckets: aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("failed to block public access to bucket %s: %w", desired.BucketName, err)
		}
	}

	if desired.AccessLogging != nil {
		_, err := p.s3Client.PutBucketLogging(ctx, &s3.PutBucketLoggingInput{
			Bucket: bucket,
			BucketLoggingStatus: &types.BucketLoggingStatus{
				LoggingEnabled: &types.LoggingEnabled{
					TargetBucket: aws.String(desired.AccessLogging.TargetBucket),
					TargetPrefix: aws.String(desired.AccessLogging.TargetPrefix),
				},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to enable access logging on bucket %s: %w", desired.BucketName, err)
		}
	}

	return nil
}

// emptyBucket deletes every object version and delete marker in bucket.
func (p *Provider) emptyBucket(ctx context.Context, bucket string) error {
	paginator := s3.NewListObjectVersionsPaginator(p.s3Client, &s3.ListObjectVersionsInput{Bucket: &bucket})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return fmt.Errorf("failed to list objects in %s: %w", bucket, err)
		}

		var objects []types.ObjectIdentifier
		for _, v := range page.Versions {
			objects = append(objects, types.ObjectIdentifier{Key: v.Key, VersionId: v.VersionId})
		}
		for _, m := range page.DeleteMarkers {
			objects = append(objects, types.ObjectIdentifier{Key: m.Key, VersionId: m.VersionId})
		}
		if len(objects) == 0 {
			continue
		}

		out, err := p.s3Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &bucket,
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("failed to empty %s: %w", bucket, err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("failed to delete %s from %s: %s", aws.ToString(e.Key), bucket, aws.ToString(e.Message))
		}
	}
	return nil
}

func (p *Provider) applyBucketPolicy(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior BucketPolicyState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.Bucket != "" {
			_, err := p.s3Client.DeleteBucketPolicy(ctx, &s3.DeleteBucketPolicyInput{Bucket: &prior.Bucket})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete bucket policy: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired BucketPolicyConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}
	policy, err := policyDocument(desired.Policy)
	if err != nil {
		return nil, err
	}

	_, err = p.s3Client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: &desired.Bucket,
		Policy: &policy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put bucket policy on %s: %w", desired.Bucket, err)
	}

	return stateResponse(BucketPolicyState{Bucket: desired.Bucket})
}
