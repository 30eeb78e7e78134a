package aws

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

const ecsWaitTimeout = 15 * time.Minute

type ClusterConfig struct {
	Name              string            `json:"name"`
	ContainerInsights bool              `json:"containerInsights"`
	Tags              map[string]string `json:"tags"`
}

type ClusterState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

type TaskDefinitionConfig struct {
	Family                  string                `json:"family"`
	CPU                     int                   `json:"cpu"`
	Memory                  int                   `json:"memory"`
	NetworkMode             string                `json:"networkMode"`
	RequiresCompatibilities []string              `json:"requiresCompatibilities"`
	RuntimePlatform         *RuntimePlatform      `json:"runtimePlatform"`
	TaskRoleArn             string                `json:"taskRoleArn"`
	ExecutionRoleArn        string                `json:"executionRoleArn"`
	ContainerDefinitions    []ContainerDefinition `json:"containerDefinitions"`
	Tags                    map[string]string     `json:"tags"`
}

type RuntimePlatform struct {
	OperatingSystemFamily string `json:"operatingSystemFamily"`
	CPUArchitecture       string `json:"cpuArchitecture"`
}

type ContainerDefinition struct {
	Name             string            `json:"name"`
	Image            string            `json:"image"`
	CPU              int               `json:"cpu"`
	Memory           int               `json:"memory"`
	Essential        bool              `json:"essential"`
	PortMappings     []PortMapping     `json:"portMappings"`
	Environment      []KeyValue        `json:"environment"`
	LogConfiguration *LogConfiguration `json:"logConfiguration"`
}

type PortMapping struct {
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
	Protocol      string `json:"protocol"`
}

type KeyValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type LogConfiguration struct {
	LogDriver string            `json:"logDriver"`
	Options   map[string]string `json:"options"`
}

type TaskDefinitionState struct {
	ID       string `json:"id"`
	ARN      string `json:"arn"`
	Family   string `json:"family"`
	Revision int32  `json:"revision"`
}

type ServiceConfig struct {
	Name                 string                `json:"name"`
	Cluster              string                `json:"cluster"`
	TaskDefinition       string                `json:"taskDefinition"`
	DesiredCount         int32                 `json:"desiredCount"`
	LaunchType           string                `json:"launchType"`
	NetworkConfiguration *NetworkConfiguration `json:"networkConfiguration"`
	LoadBalancers        []ServiceLoadBalancer `json:"loadBalancers"`
	Tags                 map[string]string     `json:"tags"`
}

type NetworkConfiguration struct {
	Subnets        []string `json:"subnets"`
	SecurityGroups []string `json:"securityGroups"`
	AssignPublicIP string   `json:"assignPublicIp"`
}

type ServiceLoadBalancer struct {
	TargetGroupArn string `json:"targetGroupArn"`
	ContainerName  string `json:"containerName"`
	ContainerPort  int32  `json:"containerPort"`
}

type ServiceState struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	ARN     string `json:"arn"`
	Cluster string `json:"cluster"`
}

func ecsTags(tags map[string]string) []types.Tag {
	var out []types.Tag
	for _, k := range sortedTagKeys(tags) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func (p *Provider) applyCluster(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior ClusterState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.Name != "" {
			_, err := p.ecsClient.DeleteCluster(ctx, &ecs.DeleteClusterInput{Cluster: &prior.Name})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete cluster: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired ClusterConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	insights := "disabled"
	if desired.ContainerInsights {
		insights = "enabled"
	}
	resp, err := p.ecsClient.CreateCluster(ctx, &ecs.CreateClusterInput{
		ClusterName: &desired.Name,
		Settings: []types.ClusterSetting{
			{Name: types.ClusterSettingNameContainerInsights, Value: aws.String(insights)},
		},
		Tags: ecsTags(desired.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster: %w", err)
	}

	return stateResponse(ClusterState{
		ID:   aws.ToString(resp.Cluster.ClusterArn),
		Name: aws.ToString(resp.Cluster.ClusterName),
		ARN:  aws.ToString(resp.Cluster.ClusterArn),
	})
}

// taskDefinitionInput builds the registration request. Fargate takes task
// cpu and memory as strings. Log configurations default awslogs-region to
// region.
func taskDefinitionInput(desired TaskDefinitionConfig, region string) *ecs.RegisterTaskDefinitionInput {
	input := &ecs.RegisterTaskDefinitionInput{
		Family:      &desired.Family,
		NetworkMode: types.NetworkMode(desired.NetworkMode),
		Tags:        ecsTags(desired.Tags),
	}
	if desired.CPU > 0 {
		input.Cpu = aws.String(strconv.Itoa(desired.CPU))
	}
	if desired.Memory > 0 {
		input.Memory = aws.String(strconv.Itoa(desired.Memory))
	}
	if desired.TaskRoleArn != "" {
		input.TaskRoleArn = aws.String(desired.TaskRoleArn)
	}
	if desired.ExecutionRoleArn != "" {
		input.ExecutionRoleArn = aws.String(desired.ExecutionRoleArn)
	}
	for _, c := range desired.RequiresCompatibilities {
		input.RequiresCompatibilities = append(input.RequiresCompatibilities, types.Compatibility(c))
	}
	if rp := desired.RuntimePlatform; rp != nil {
		input.RuntimePlatform = &types.RuntimePlatform{
			OperatingSystemFamily: types.OSFamily(rp.OperatingSystemFamily),
			CpuArchitecture:       types.CPUArchitecture(rp.CPUArchitecture),
		}
	}

	for _, c := range desired.ContainerDefinitions {
		def := types.ContainerDefinition{
			Name:      aws.String(c.Name),
			Image:     aws.String(c.Image),
			Cpu:       int32(c.CPU),
			Essential: aws.Bool(c.Essential),
		}
		if c.Memory > 0 {
			def.Memory = aws.Int32(int32(c.Memory))
		}
		for _, m := range c.PortMappings {
			def.PortMappings = append(def.PortMappings, types.PortMapping{
				ContainerPort: aws.Int32(int32(m.ContainerPort)),
				HostPort:      aws.Int32(int32(m.HostPort)),
				Protocol:      types.TransportProtocol(m.Protocol),
			})
		}
		for _, kv := range c.Environment {
			def.Environment = append(def.Environment, types.KeyValuePair{
				Name:  aws.String(kv.Name),
				Value: aws.String(kv.Value),
			})
		}
		if lc := c.LogConfiguration; lc != nil {
			options := make(map[string]string, len(lc.Options)+1)
			for k, v := range lc.Options {
				options[k] = v
			}
			if lc.LogDriver == string(types.LogDriverAwslogs) && options["awslogs-region"] == "" && region != "" {
				options["awslogs-region"] = region
			}
			def.LogConfiguration = &types.LogConfiguration{
				LogDriver: types.LogDriver(lc.LogDriver),
				Options:   options,
			}
		}
		input.ContainerDefinitions = append(input.ContainerDefinitions, def)
	}
	return input
}

func (p *Provider) applyTaskDefinition(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior TaskDefinitionState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.ARN != "" {
			_, err := p.ecsClient.DeregisterTaskDefinition(ctx, &ecs.DeregisterTaskDefinitionInput{
				TaskDefinition: &prior.ARN,
			})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to deregister task definition: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired TaskDefinitionConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	resp, err := p.ecsClient.RegisterTaskDefinition(ctx, taskDefinitionInput(desired, p.region))
	if err != nil {
		return nil, fmt.Errorf("failed to register task definition: %w", err)
	}

	return stateResponse(TaskDefinitionState{
		ID:       aws.ToString(resp.TaskDefinition.TaskDefinitionArn),
		ARN:      aws.ToString(resp.TaskDefinition.TaskDefinitionArn),
		Family:   aws.ToString(resp.TaskDefinition.Family),
		Revision: resp.TaskDefinition.Revision,
	})
}

func networkConfiguration(nc *NetworkConfiguration) *types.NetworkConfiguration {
	if nc == nil {
		return nil
	}
	assign := types.AssignPublicIpDisabled
	if types.AssignPublicIp(nc.AssignPublicIP) == types.AssignPublicIpEnabled {
		assign = types.AssignPublicIpEnabled
	}
	return &types.NetworkConfiguration{
		AwsvpcConfiguration: &types.AwsVpcConfiguration{
			Subnets:        nc.Subnets,
			SecurityGroups: nc.SecurityGroups,
			AssignPublicIp: assign,
		},
	}
}

func (p *Provider) applyService(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	var prior ServiceState
	if len(req.PriorStateJSON) > 0 && string(req.PriorStateJSON) != "null" {
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
	}

	if req.DesiredConfigJSON == nil {
		if prior.Name != "" {
			if err := p.deleteService(ctx, prior); err != nil {
				return nil, err
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired ServiceConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	var svc *types.Service
	if prior.ARN != "" {
		resp, err := p.ecsClient.UpdateService(ctx, &ecs.UpdateServiceInput{
			Service:              &prior.Name,
			Cluster:              &prior.Cluster,
			TaskDefinition:       &desired.TaskDefinition,
			DesiredCount:         aws.Int32(desired.DesiredCount),
			NetworkConfiguration: networkConfiguration(desired.NetworkConfiguration),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update service: %w", err)
		}
		svc = resp.Service
		if len(desired.Tags) > 0 {
			_, err := p.ecsClient.TagResource(ctx, &ecs.TagResourceInput{
				ResourceArn: &prior.ARN,
				Tags:        ecsTags(desired.Tags),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to tag service: %w", err)
			}
		}
	} else {
		input := &ecs.CreateServiceInput{
			ServiceName:          &desired.Name,
			Cluster:              &desired.Cluster,
			TaskDefinition:       &desired.TaskDefinition,
			DesiredCount:         aws.Int32(desired.DesiredCount),
			LaunchType:           types.LaunchType(desired.LaunchType),
			NetworkConfiguration: networkConfiguration(desired.NetworkConfiguration),
			Tags:                 ecsTags(desired.Tags),
			PropagateTags:        types.PropagateTagsService,
		}
		for _, lb := range desired.LoadBalancers {
			input.LoadBalancers = append(input.LoadBalancers, types.LoadBalancer{
				TargetGroupArn: aws.String(lb.TargetGroupArn),
				ContainerName:  aws.String(lb.ContainerName),
				ContainerPort:  aws.Int32(lb.ContainerPort),
			})
		}
		resp, err := p.ecsClient.CreateService(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to create service: %w", err)
		}
		svc = resp.Service
	}

	logging.Info("waiting for service to stabilize", "service", desired.Name, "desiredCount", desired.DesiredCount)
	waiter := ecs.NewServicesStableWaiter(p.ecsClient)
	if err := waiter.Wait(ctx, &ecs.DescribeServicesInput{
		Cluster:  &desired.Cluster,
		Services: []string{desired.Name},
	}, ecsWaitTimeout); err != nil {
		return nil, fmt.Errorf("service %s did not stabilize: %w", desired.Name, err)
	}

	return stateResponse(ServiceState{
		ID:      aws.ToString(svc.ServiceArn),
		Name:    aws.ToString(svc.ServiceName),
		ARN:     aws.ToString(svc.ServiceArn),
		Cluster: desired.Cluster,
	})
}

// deleteService drains the service before deleting it, then waits until it
// is inactive so the cluster and target group can follow.
func (p *Provider) deleteService(ctx context.Context, prior ServiceState) error {
	_, err := p.ecsClient.UpdateService(ctx, &ecs.UpdateServiceInput{
		Service:      &prior.Name,
		Cluster:      &prior.Cluster,
		DesiredCount: aws.Int32(0),
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to scale down service: %w", err)
	}

	_, err = p.ecsClient.DeleteService(ctx, &ecs.DeleteServiceInput{
		Service: &prior.Name,
		Cluster: &prior.Cluster,
		Force:   aws.Bool(true),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete service: %w", err)
	}

	waiter := ecs.NewServicesInactiveWaiter(p.ecsClient)
	if err := waiter.Wait(ctx, &ecs.DescribeServicesInput{
		Cluster:  &prior.Cluster,
		Services: []string{prior.Name},
	}, ecsWaitTimeout); err != nil {
		return fmt.Errorf("service %s did not become inactive: %w", prior.Name, err)
	}
	return nil
}
