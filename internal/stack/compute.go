package stack

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/stowrs-to-s3/stowrs-infra/internal/config"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

// Container names and ports shared with the images.
const (
	NginxContainerName = "nginx-container"
	AppContainerName   = "app-container"
	NginxPort          = 443
	AppPort            = 8080
)

// Container environment contract.
const (
	EnvAuthMode       = "AUTH_MODE"
	EnvCertMode       = "CERT_MODE"
	EnvCertBucketName = "CERT_BUCKETNAME"
	EnvBucketName     = "BUCKETNAME"
)

// Ingress rule sources.
const (
	SourceAllowList   = "allowListRules"
	SourceHealthCheck = "healthCheckRules"
)

// IngressRule permits inbound TCP on the listener port from one CIDR.
type IngressRule struct {
	CIDR        string
	Description string
	Source      string
}

// allowListRules opens the listener port to every allowed peer.
func allowListRules(peers []string) []IngressRule {
	uniq := make(map[string]bool, len(peers))
	var sorted []string
	for _, p := range peers {
		p = strings.TrimSpace(p)
		if p == "" || uniq[p] {
			continue
		}
		uniq[p] = true
		sorted = append(sorted, p)
	}
	sort.Strings(sorted)

	rules := make([]IngressRule, 0, len(sorted))
	for _, cidr := range sorted {
		rules = append(rules, IngressRule{
			CIDR:        cidr,
			Description: "Allows HTTPS from CIDR " + cidr,
			Source:      SourceAllowList,
		})
	}
	return rules
}

// healthCheckRules opens the listener port to the subnets the load balancer
// nodes live in. Health check probes come from these addresses, so the rules
// must stay even when the allow list is narrower.
func healthCheckRules(isolated []string) []IngressRule {
	rules := make([]IngressRule, 0, len(isolated))
	for _, cidr := range isolated {
		rules = append(rules, IngressRule{
			CIDR:        cidr,
			Description: fmt.Sprintf("DO NOT DELETE - Allows NLB monitoring from IPs in subnet %s.", cidr),
			Source:      SourceHealthCheck,
		})
	}
	return rules
}

// ingressRules is the union of both rule sources. A CIDR present in both is
// kept once, as a health check rule.
func ingressRules(peers, isolated []string) []IngressRule {
	health := healthCheckRules(isolated)
	covered := make(map[string]bool, len(health))
	for _, r := range health {
		covered[r.CIDR] = true
	}

	var rules []IngressRule
	for _, r := range allowListRules(peers) {
		if !covered[r.CIDR] {
			rules = append(rules, r)
		}
	}
	return append(rules, health...)
}

func (r IngressRule) properties() map[string]any {
	return map[string]any{
		"protocol":    "tcp",
		"fromPort":    ListenerPort,
		"toPort":      ListenerPort,
		"cidrIp":      r.CIDR,
		"description": r.Description,
		"source":      r.Source,
	}
}

type envVar struct {
	name, value string
}

func envProperties(vars []envVar) []any {
	out := make([]any, 0, len(vars))
	for _, v := range vars {
		out = append(out, map[string]any{"name": v.name, "value": v.value})
	}
	return out
}

// nginxEnvironment tells the proxy how to obtain its certificate and whether
// to verify client certificates.
func nginxEnvironment(topology config.CertificateTopology) []envVar {
	vars := []envVar{
		{EnvAuthMode, string(topology.Auth())},
		{EnvCertMode, string(topology.Mode())},
	}
	if t, ok := topology.(config.StorageTopology); ok {
		vars = append(vars, envVar{EnvCertBucketName, t.BucketName})
	}
	return vars
}

// appEnvironment lists the configured variables by name, then BUCKETNAME.
// A configured BUCKETNAME is dropped so the DICOM bucket always wins.
func appEnvironment(configured map[string]string, bucketName string) []envVar {
	var vars []envVar
	for _, k := range sortedKeys(configured) {
		if k == EnvBucketName {
			continue
		}
		vars = append(vars, envVar{k, configured[k]})
	}
	return append(vars, envVar{EnvBucketName, bucketName})
}

// Compute is the cluster, task definition and service running the containers.
type Compute struct {
	Cluster        *ir.Resource
	SecurityGroup  *ir.Resource
	TaskDefinition *ir.Resource
	Service        *ir.Resource
}

type computeInput struct {
	spec     *config.TaskDefinitionSpec
	peers    []string
	topology config.CertificateTopology
	dicom    *Bucket
	network  *Network
	lb       *LoadBalancer
	access   *AccessPolicy
	fs       afero.Fs
	baseDir  string
}

// newCompute declares a Fargate service running task_count copies of a task
// with the proxy and application containers, registered with the load
// balancer's target group through the proxy.
func newCompute(s *Stack, in computeInput) (*Compute, error) {
	cluster := s.add(TypeCluster, "cluster", map[string]any{
		"name":              s.physicalName("cluster"),
		"containerInsights": true,
	})

	nginx, err := newContainerImage(s, in.fs, NginxContainerName, resolveDir(in.baseDir, in.spec.NginxContainer.SourceDirectory))
	if err != nil {
		return nil, err
	}
	app, err := newContainerImage(s, in.fs, AppContainerName, resolveDir(in.baseDir, in.spec.AppContainer.SourceDirectory))
	if err != nil {
		return nil, err
	}

	containers := []any{
		s.containerDefinition(nginx, in.spec.NginxContainer, NginxPort, nginxEnvironment(in.topology)),
		s.containerDefinition(app, in.spec.AppContainer, AppPort, appEnvironment(in.spec.AppContainer.Envs, in.dicom.Name())),
	}

	taskDef := s.add(TypeTaskDefinition, "task-definition", map[string]any{
		"family":                  s.physicalName("task"),
		"cpu":                     in.spec.CPU,
		"memory":                  in.spec.Memory,
		"networkMode":             "awsvpc",
		"requiresCompatibilities": []any{"FARGATE"},
		"runtimePlatform":         runtimePlatform(DefaultPlatform),
		"taskRoleArn":             Ref(in.access.TaskRole, "arn"),
		"executionRoleArn":        Ref(in.access.ExecutionRole, "arn"),
		"containerDefinitions":    containers,
	}, in.access.Ready())

	var ingress []any
	for _, r := range ingressRules(in.peers, in.network.CIDRs(TierIsolated)) {
		ingress = append(ingress, r.properties())
	}
	sg := s.add(TypeSecurityGroup, "task-sg", map[string]any{
		"name":        s.physicalName("sg"),
		"description": s.app + " security group.",
		"vpcId":       Ref(in.network.Vpc, "id"),
		"ingress":     ingress,
		"egress": []any{
			map[string]any{
				"protocol":    "-1",
				"cidrIp":      "0.0.0.0/0",
				"description": "Allow all outbound traffic by default",
			},
		},
	})

	service := s.add(TypeService, "service", map[string]any{
		"name":           s.physicalName("service"),
		"cluster":        Ref(cluster, "arn"),
		"taskDefinition": Ref(taskDef, "arn"),
		"desiredCount":   *in.spec.TaskCount,
		"launchType":     "FARGATE",
		"networkConfiguration": map[string]any{
			"subnets":        refs(in.network.SubnetResources(TierPrivate), "id"),
			"securityGroups": []any{Ref(sg, "id")},
			"assignPublicIp": "ENABLED",
		},
		"loadBalancers": []any{
			map[string]any{
				"targetGroupArn": Ref(in.lb.TargetGroup, "arn"),
				"containerName":  NginxContainerName,
				"containerPort":  NginxPort,
			},
		},
	}, in.lb.Listener)

	return &Compute{Cluster: cluster, SecurityGroup: sg, TaskDefinition: taskDef, Service: service}, nil
}

func (s *Stack) containerDefinition(img *containerImage, spec *config.ContainerSpec, port int, env []envVar) map[string]any {
	logOptions := map[string]any{
		"awslogs-group":         Ref(img.logGroup, "name"),
		"awslogs-stream-prefix": img.name,
	}
	if s.env.Region != "" {
		logOptions["awslogs-region"] = s.env.Region
	}

	return map[string]any{
		"name":      img.name,
		"image":     Ref(img.image, "imageUri"),
		"cpu":       spec.CPU,
		"memory":    spec.Memory,
		"essential": true,
		"portMappings": []any{
			map[string]any{"containerPort": port, "hostPort": port, "protocol": "tcp"},
		},
		"environment": envProperties(env),
		"logConfiguration": map[string]any{
			"logDriver": "awslogs",
			"options":   logOptions,
		},
	}
}
