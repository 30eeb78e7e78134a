package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

const elbWaitTimeout = 10 * time.Minute

type LoadBalancerConfig struct {
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Scheme         string            `json:"scheme"`
	Subnets        []string          `json:"subnets"`
	SecurityGroups []string          `json:"securityGroups"`
	Tags           map[string]string `json:"tags"`
}

type LoadBalancerState struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	ARN     string `json:"arn"`
	DNSName string `json:"dnsName"`
}

type HealthCheck struct {
	Protocol           string `json:"protocol"`
	Port               string `json:"port"`
	HealthyThreshold   int32  `json:"healthyThreshold"`
	UnhealthyThreshold int32  `json:"unhealthyThreshold"`
	IntervalSeconds    int32  `json:"intervalSeconds"`
}

type TargetGroupConfig struct {
	Name        string            `json:"name"`
	Protocol    string            `json:"protocol"`
	Port        int32             `json:"port"`
	TargetType  string            `json:"targetType"`
	VpcID       string            `json:"vpcId"`
	HealthCheck *HealthCheck      `json:"healthCheck"`
	Tags        map[string]string `json:"tags"`
}

type TargetGroupState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

type ListenerConfig struct {
	LoadBalancerArn string            `json:"loadBalancerArn"`
	Port            int32             `json:"port"`
	Protocol        string            `json:"protocol"`
	Certificates    []string          `json:"certificates"`
	SslPolicy       string            `json:"sslPolicy"`
	DefaultActions  []ListenerAction  `json:"defaultActions"`
	Tags            map[string]string `json:"tags"`
}

type ListenerAction struct {
	Type           string `json:"type"`
	TargetGroupArn string `json:"targetGroupArn"`
}

type ListenerState struct {
	ID  string `json:"id"`
	ARN string `json:"arn"`
}

func elbTags(tags map[string]string) []types.Tag {
	var out []types.Tag
	for _, k := range sortedTagKeys(tags) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func (p *Provider) applyLoadBalancer(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior LoadBalancerState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.ARN != "" {
			_, err := p.elbv2Client.DeleteLoadBalancer(ctx, &elasticloadbalancingv2.DeleteLoadBalancerInput{
				LoadBalancerArn: &prior.ARN,
			})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete load balancer: %w", err)
			}
			// Subnets stay in use by the load balancer's interfaces until it is gone.
			waiter := elasticloadbalancingv2.NewLoadBalancersDeletedWaiter(p.elbv2Client)
			err = waiter.Wait(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{
				LoadBalancerArns: []string{prior.ARN},
			}, elbWaitTimeout)
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed waiting for load balancer deletion: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired LoadBalancerConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	resp, err := p.elbv2Client.CreateLoadBalancer(ctx, &elasticloadbalancingv2.CreateLoadBalancerInput{
		Name:           &desired.Name,
		Subnets:        desired.Subnets,
		SecurityGroups: desired.SecurityGroups,
		Scheme:         types.LoadBalancerSchemeEnum(desired.Scheme),
		Type:           types.LoadBalancerTypeEnum(desired.Type),
		Tags:           elbTags(desired.Tags),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create load balancer: %w", err)
	}
	if len(resp.LoadBalancers) == 0 {
		return nil, fmt.Errorf("create load balancer %s returned no load balancer", desired.Name)
	}
	lb := resp.LoadBalancers[0]

	waiter := elasticloadbalancingv2.NewLoadBalancerAvailableWaiter(p.elbv2Client)
	if err := waiter.Wait(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{
		LoadBalancerArns: []string{aws.ToString(lb.LoadBalancerArn)},
	}, elbWaitTimeout); err != nil {
		return nil, fmt.Errorf("failed waiting for load balancer %s: %w", desired.Name, err)
	}

	return stateResponse(LoadBalancerState{
		ID:      aws.ToString(lb.LoadBalancerArn),
		Name:    aws.ToString(lb.LoadBalancerName),
		ARN:     aws.ToString(lb.LoadBalancerArn),
		DNSName: aws.ToString(lb.DNSName),
	})
}

func (p *Provider) applyTargetGroup(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior TargetGroupState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.ARN != "" {
			_, err := p.elbv2Client.DeleteTargetGroup(ctx, &elasticloadbalancingv2.DeleteTargetGroupInput{
				TargetGroupArn: &prior.ARN,
			})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete target group: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired TargetGroupConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	input := &elasticloadbalancingv2.CreateTargetGroupInput{
		Name:       &desired.Name,
		Port:       aws.Int32(desired.Port),
		Protocol:   types.ProtocolEnum(desired.Protocol),
		VpcId:      &desired.VpcID,
		TargetType: types.TargetTypeEnum(desired.TargetType),
		Tags:       elbTags(desired.Tags),
	}
	if hc := desired.HealthCheck; hc != nil {
		input.HealthCheckProtocol = types.ProtocolEnum(hc.Protocol)
		if hc.Port != "" {
			input.HealthCheckPort = aws.String(hc.Port)
		}
		if hc.HealthyThreshold > 0 {
			input.HealthyThresholdCount = aws.Int32(hc.HealthyThreshold)
		}
		if hc.UnhealthyThreshold > 0 {
			input.UnhealthyThresholdCount = aws.Int32(hc.UnhealthyThreshold)
		}
		if hc.IntervalSeconds > 0 {
			input.HealthCheckIntervalSeconds = aws.Int32(hc.IntervalSeconds)
		}
	}

	resp, err := p.elbv2Client.CreateTargetGroup(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create target group: %w", err)
	}
	if len(resp.TargetGroups) == 0 {
		return nil, fmt.Errorf("create target group %s returned no target group", desired.Name)
	}
	tg := resp.TargetGroups[0]

	return stateResponse(TargetGroupState{
		ID:   aws.ToString(tg.TargetGroupArn),
		Name: aws.ToString(tg.TargetGroupName),
		ARN:  aws.ToString(tg.TargetGroupArn),
	})
}

func (p *Provider) applyListener(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior ListenerState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.ARN != "" {
			_, err := p.elbv2Client.DeleteListener(ctx, &elasticloadbalancingv2.DeleteListenerInput{
				ListenerArn: &prior.ARN,
			})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete listener: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired ListenerConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}
	input, err := listenerInput(desired)
	if err != nil {
		return nil, err
	}
	for _, arn := range desired.Certificates {
		if err := p.checkCertificate(ctx, arn); err != nil {
			return nil, err
		}
	}

	resp, err := p.elbv2Client.CreateListener(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}
	if len(resp.Listeners) == 0 {
		return nil, fmt.Errorf("create listener on port %d returned no listener", desired.Port)
	}
	arn := aws.ToString(resp.Listeners[0].ListenerArn)

	return stateResponse(ListenerState{ID: arn, ARN: arn})
}

// listenerInput validates a listener and builds its create request. A TLS
// listener needs a certificate; a TCP listener must not carry one.
func listenerInput(desired ListenerConfig) (*elasticloadbalancingv2.CreateListenerInput, error) {
	protocol := types.ProtocolEnum(desired.Protocol)
	switch protocol {
	case types.ProtocolEnumTls:
		if len(desired.Certificates) == 0 {
			return nil, fmt.Errorf("listener on port %d: TLS requires a certificate", desired.Port)
		}
	case types.ProtocolEnumTcp:
		if len(desired.Certificates) > 0 {
			return nil, fmt.Errorf("listener on port %d: TCP listener cannot carry certificates", desired.Port)
		}
	default:
		return nil, fmt.Errorf("listener on port %d: unsupported protocol %q", desired.Port, desired.Protocol)
	}
	if len(desired.DefaultActions) == 0 {
		return nil, fmt.Errorf("listener on port %d: at least one default action is required", desired.Port)
	}

	input := &elasticloadbalancingv2.CreateListenerInput{
		LoadBalancerArn: &desired.LoadBalancerArn,
		Port:            aws.Int32(desired.Port),
		Protocol:        protocol,
		Tags:            elbTags(desired.Tags),
	}
	if desired.SslPolicy != "" {
		input.SslPolicy = aws.String(desired.SslPolicy)
	}
	for _, arn := range desired.Certificates {
		input.Certificates = append(input.Certificates, types.Certificate{CertificateArn: aws.String(arn)})
	}
	for i, a := range desired.DefaultActions {
		input.DefaultActions = append(input.DefaultActions, types.Action{
			Type:           types.ActionTypeEnum(a.Type),
			TargetGroupArn: aws.String(a.TargetGroupArn),
			Order:          aws.Int32(int32(i + 1)),
		})
	}
	return input, nil
}
