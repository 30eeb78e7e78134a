package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/stowrs-to-s3/stowrs-infra/internal/eval"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

const defaultS3Key = "stowrs/state.pkl"

type objectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type lockAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// s3Backend implements Backend for AWS S3 with optional DynamoDB locking.
type s3Backend struct {
	bucket    string
	key       string
	lockTable string
	encrypt   bool

	evaluator *eval.Evaluator
	objects   objectAPI
	locks     lockAPI
	lockID    string
}

func newS3Backend(ctx context.Context, cfg *BackendConfig, evaluator *eval.Evaluator) (*s3Backend, error) {
	b, err := s3BackendFromConfig(cfg, evaluator)
	if err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: unable to load AWS config: %w", err)
	}

	b.objects = s3.NewFromConfig(awsCfg)
	if b.lockTable != "" {
		b.locks = dynamodb.NewFromConfig(awsCfg)
	}
	return b, nil
}

// s3BackendFromConfig validates the configuration and fills defaults.
func s3BackendFromConfig(cfg *BackendConfig, evaluator *eval.Evaluator) (*s3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}
	key := cfg.Key
	if key == "" {
		key = defaultS3Key
	}
	return &s3Backend{
		bucket:    cfg.Bucket,
		key:       key,
		lockTable: cfg.LockTable,
		encrypt:   cfg.Encrypt,
		evaluator: evaluator,
	}, nil
}

func (b *s3Backend) Read(ctx context.Context) (*ir.State, error) {
	result, err := b.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("failed to read state from s3://%s/%s: %w", b.bucket, b.key, err)
	}
	defer result.Body.Close()

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}

	st, err := Parse(ctx, b.evaluator, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote state: %w", err)
	}
	return st, nil
}

func (b *s3Backend) Write(ctx context.Context, st *ir.State) error {
	content, err := Encode(st)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
		Body:   bytes.NewReader(content),
	}
	if b.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := b.objects.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", b.bucket, b.key, err)
	}
	return nil
}

func (b *s3Backend) Lock(ctx context.Context) error {
	if b.lockTable == "" {
		return nil
	}

	id := fmt.Sprintf("stowrs-%d-%d", os.Getpid(), time.Now().UnixNano())

	_, err := b.locks.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.lockTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: b.lockKey()},
			"Info":    &dbtypes.AttributeValueMemberS{Value: id},
			"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w. If this is an error, delete the item with LockID=%q from DynamoDB table %q",
				ErrLocked, b.lockKey(), b.lockTable)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	b.lockID = id
	return nil
}

// Unlock deletes the lock item, but only if this backend created it.
func (b *s3Backend) Unlock(ctx context.Context) error {
	if b.lockTable == "" || b.lockID == "" {
		return nil
	}

	_, err := b.locks.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.lockTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.lockKey()},
		},
		ConditionExpression: aws.String("Info = :id"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":id": &dbtypes.AttributeValueMemberS{Value: b.lockID},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	b.lockID = ""
	return nil
}

func (b *s3Backend) lockKey() string {
	return b.bucket + "/" + b.key
}
