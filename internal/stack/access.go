package stack

import (
	"fmt"
	"strings"

	"github.com/stowrs-to-s3/stowrs-infra/internal/config"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

const (
	policyVersion          = "2012-10-17"
	ecsTasksPrincipal      = "ecs-tasks.amazonaws.com"
	taskExecutionPolicyARN = "arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"
	maxBucketGrants        = 2
)

// Access is the level of access a task role gets on a bucket.
type Access int

const (
	AccessRead Access = iota
	AccessReadWrite
)

var (
	readActions = []string{
		"s3:GetObject*",
		"s3:GetBucket*",
		"s3:List*",
	}
	writeActions = []string{
		"s3:DeleteObject*",
		"s3:PutObject",
		"s3:PutObjectLegalHold",
		"s3:PutObjectRetention",
		"s3:PutObjectTagging",
		"s3:PutObjectVersionTagging",
		"s3:Abort*",
	}
)

func (a Access) actions() []any {
	var out []any
	for _, action := range readActions {
		out = append(out, action)
	}
	if a == AccessReadWrite {
		for _, action := range writeActions {
			out = append(out, action)
		}
	}
	return out
}

// BucketGrant gives the task role access to one bucket.
type BucketGrant struct {
	ARN    string
	Access Access
}

// AccessPolicy holds the roles assumed by the containers. The task role is
// the identity the application runs as; the execution role is used by the
// container agent to pull images and deliver logs.
type AccessPolicy struct {
	TaskRole      *ir.Resource
	ExecutionRole *ir.Resource
	policy        *ir.Resource
}

// Ready is the resource that completes the task role's permissions.
func (a *AccessPolicy) Ready() *ir.Resource { return a.policy }

// newAccessPolicy declares the task role with access scoped to exactly the
// granted buckets, at bucket level and object level.
func newAccessPolicy(s *Stack, grants []BucketGrant) (*AccessPolicy, error) {
	if len(grants) == 0 || len(grants) > maxBucketGrants {
		return nil, fmt.Errorf("%w: task role needs 1 to %d bucket grants, got %d",
			config.ErrInvalidConfig, maxBucketGrants, len(grants))
	}

	var statements []any
	for _, g := range grants {
		if !strings.HasPrefix(g.ARN, "arn:") {
			return nil, fmt.Errorf("%w: bucket grant %q is not an ARN", config.ErrInvalidConfig, g.ARN)
		}
		if strings.Contains(g.ARN, "*") {
			return nil, fmt.Errorf("%w: bucket grant %q must not contain a wildcard", config.ErrInvalidConfig, g.ARN)
		}
		statements = append(statements, map[string]any{
			"Effect":   "Allow",
			"Action":   g.Access.actions(),
			"Resource": []any{g.ARN, g.ARN + "/*"},
		})
	}

	taskRole := s.add(TypeRole, "task-role", map[string]any{
		"name":             s.physicalName("task-role"),
		"assumeRolePolicy": assumeRolePolicy(ecsTasksPrincipal),
	})

	policy := s.add(TypeRolePolicy, "task-role-buckets", map[string]any{
		"roleName":   Ref(taskRole, "name"),
		"policyName": s.physicalName("buckets"),
		"policy": map[string]any{
			"Version":   policyVersion,
			"Statement": statements,
		},
	})

	executionRole := s.add(TypeRole, "execution-role", map[string]any{
		"name":              s.physicalName("execution-role"),
		"assumeRolePolicy":  assumeRolePolicy(ecsTasksPrincipal),
		"managedPolicyArns": []any{taskExecutionPolicyARN},
	})

	return &AccessPolicy{TaskRole: taskRole, ExecutionRole: executionRole, policy: policy}, nil
}

func assumeRolePolicy(service string) map[string]any {
	return map[string]any{
		"Version": policyVersion,
		"Statement": []any{
			map[string]any{
				"Effect":    "Allow",
				"Principal": map[string]any{"Service": service},
				"Action":    "sts:AssumeRole",
			},
		},
	}
}
