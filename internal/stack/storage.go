package stack

import "github.com/stowrs-to-s3/stowrs-infra/internal/ir"

const accessLogsPrefix = "AccessLogs/"

// Bucket is a declared storage bucket.
type Bucket struct {
	Resource *ir.Resource
	name     string
}

// Name is the bucket name as configured.
func (b *Bucket) Name() string { return b.name }

// ARN is known at synthesis time because bucket names are global.
func (b *Bucket) ARN() string { return bucketARN(b.name) }

func bucketARN(name string) string {
	return "arn:aws:s3:::" + name
}

// newBucket declares an encrypted bucket that blocks all public access,
// rejects plain HTTP, logs server access to itself and empties itself on
// deletion. logical is the resource name, name the bucket name.
func newBucket(s *Stack, logical, name string) *Bucket {
	res := s.add(TypeBucket, logical, map[string]any{
		"bucketName":        name,
		"encryption":        "AES256",
		"blockPublicAccess": true,
		"accessLogging": map[string]any{
			"targetBucket": name,
			"targetPrefix": accessLogsPrefix,
		},
		"autoDeleteObjects": true,
	})

	arn := bucketARN(name)
	s.add(TypeBucketPolicy, logical+"-policy", map[string]any{
		"bucket": Ref(res, "name"),
		"policy": bucketPolicy(arn),
	}, res)

	return &Bucket{Resource: res, name: name}
}

// bucketPolicy denies every request made without TLS and lets the S3
// logging service deliver access logs under the log prefix.
func bucketPolicy(arn string) map[string]any {
	return map[string]any{
		"Version": policyVersion,
		"Statement": []any{
			map[string]any{
				"Sid":       "DenyInsecureTransport",
				"Effect":    "Deny",
				"Principal": map[string]any{"AWS": "*"},
				"Action":    "s3:*",
				"Resource":  []any{arn, arn + "/*"},
				"Condition": map[string]any{
					"Bool": map[string]any{"aws:SecureTransport": "false"},
				},
			},
			map[string]any{
				"Sid":       "S3ServerAccessLogsPolicy",
				"Effect":    "Allow",
				"Principal": map[string]any{"Service": "logging.s3.amazonaws.com"},
				"Action":    "s3:PutObject",
				"Resource":  arn + "/" + accessLogsPrefix + "*",
				"Condition": map[string]any{
					"ArnLike": map[string]any{"aws:SourceArn": arn},
				},
			},
		},
	}
}
