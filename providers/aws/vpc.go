package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/stowrs-to-s3/stowrs-infra/pkg/plugin"
)

const ec2WaitTimeout = 10 * time.Minute

type VpcConfig struct {
	CidrBlock          string            `json:"cidrBlock"`
	EnableDnsHostnames bool              `json:"enableDnsHostnames"`
	EnableDnsSupport   bool              `json:"enableDnsSupport"`
	Name               string            `json:"name"`
	Tags               map[string]string `json:"tags"`
}

type VpcState struct {
	ID        string `json:"id"`
	CidrBlock string `json:"cidrBlock"`
}

type SubnetConfig struct {
	VpcID               string            `json:"vpcId"`
	CidrBlock           string            `json:"cidrBlock"`
	AvailabilityZone    string            `json:"availabilityZone"`
	MapPublicIpOnLaunch bool              `json:"mapPublicIpOnLaunch"`
	Tier                string            `json:"tier"`
	Tags                map[string]string `json:"tags"`
}

type SubnetState struct {
	ID               string `json:"id"`
	VpcID            string `json:"vpcId"`
	CidrBlock        string `json:"cidrBlock"`
	AvailabilityZone string `json:"availabilityZone"`
}

type SecurityGroupConfig struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	VpcID       string              `json:"vpcId"`
	Ingress     []SecurityGroupRule `json:"ingress"`
	Egress      []SecurityGroupRule `json:"egress"`
	Tags        map[string]string   `json:"tags"`
}

type SecurityGroupRule struct {
	FromPort    *int32 `json:"fromPort"`
	ToPort      *int32 `json:"toPort"`
	Protocol    string `json:"protocol"`
	CidrIP      string `json:"cidrIp"`
	Description string `json:"description"`
}

type SecurityGroupState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ec2Tags converts a tag map, adding a Name tag when name is set.
func ec2Tags(tags map[string]string, name string) []types.Tag {
	var out []types.Tag
	if name != "" {
		if _, ok := tags["Name"]; !ok {
			out = append(out, types.Tag{Key: aws.String("Name"), Value: aws.String(name)})
		}
	}
	for _, k := range sortedTagKeys(tags) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func tagSpecifications(rt types.ResourceType, tags map[string]string, name string) []types.TagSpecification {
	t := ec2Tags(tags, name)
	if len(t) == 0 {
		return nil
	}
	return []types.TagSpecification{{ResourceType: rt, Tags: t}}
}

// isNotFound reports whether err says the resource is already gone.
func isNotFound(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "InvalidVpcID.NotFound", "InvalidSubnetID.NotFound", "InvalidInternetGatewayID.NotFound",
		"InvalidAllocationID.NotFound", "NatGatewayNotFound", "InvalidRouteTableID.NotFound",
		"InvalidAssociationID.NotFound", "InvalidGroup.NotFound", "NoSuchBucket", "NoSuchBucketPolicy",
		"NoSuchEntity", "LoadBalancerNotFound", "TargetGroupNotFound", "ListenerNotFound",
		"ClusterNotFoundException", "ServiceNotFoundException", "RepositoryNotFoundException",
		"ResourceNotFoundException", "NotFound":
		return true
	}
	return false
}

func (p *Provider) applyVpc(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior VpcState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.ID != "" {
			_, err := p.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: &prior.ID})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete VPC: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired VpcConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	resp, err := p.ec2Client.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         &desired.CidrBlock,
		TagSpecifications: tagSpecifications(types.ResourceTypeVpc, desired.Tags, desired.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create VPC: %w", err)
	}
	vpcID := aws.ToString(resp.Vpc.VpcId)

	if err := ec2.NewVpcAvailableWaiter(p.ec2Client).Wait(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{vpcID}}, ec2WaitTimeout); err != nil {
		return nil, fmt.Errorf("VPC %s did not become available: %w", vpcID, err)
	}

	// DNS attributes can only be modified one per call.
	if desired.EnableDnsSupport {
		if _, err := p.ec2Client.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
			VpcId:            &vpcID,
			EnableDnsSupport: &types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return nil, fmt.Errorf("failed to enable DNS support on %s: %w", vpcID, err)
		}
	}
	if desired.EnableDnsHostnames {
		if _, err := p.ec2Client.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
			VpcId:              &vpcID,
			EnableDnsHostnames: &types.AttributeBooleanValue{Value: aws.Bool(true)},
		}); err != nil {
			return nil, fmt.Errorf("failed to enable DNS hostnames on %s: %w", vpcID, err)
		}
	}

	return stateResponse(VpcState{
		ID:        vpcID,
		CidrBlock: aws.ToString(resp.Vpc.CidrBlock),
	})
}

func (p *Provider) applySubnet(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior SubnetState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.ID != "" {
			_, err := p.ec2Client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: &prior.ID})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete subnet: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired SubnetConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	tags := desired.Tags
	if desired.Tier != "" {
		tags = make(map[string]string, len(desired.Tags)+1)
		for k, v := range desired.Tags {
			tags[k] = v
		}
		tags["subnet-type"] = desired.Tier
	}

	input := &ec2.CreateSubnetInput{
		VpcId:             &desired.VpcID,
		CidrBlock:         &desired.CidrBlock,
		TagSpecifications: tagSpecifications(types.ResourceTypeSubnet, tags, req.Name),
	}
	if desired.AvailabilityZone != "" {
		input.AvailabilityZone = &desired.AvailabilityZone
	}

	resp, err := p.ec2Client.CreateSubnet(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create subnet: %w", err)
	}
	subnetID := aws.ToString(resp.Subnet.SubnetId)

	if desired.MapPublicIpOnLaunch {
		_, err := p.ec2Client.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            &subnetID,
			MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: aws.Bool(true)},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to enable public IPs on %s: %w", subnetID, err)
		}
	}

	return stateResponse(SubnetState{
		ID:               subnetID,
		VpcID:            aws.ToString(resp.Subnet.VpcId),
		CidrBlock:        aws.ToString(resp.Subnet.CidrBlock),
		AvailabilityZone: aws.ToString(resp.Subnet.AvailabilityZone),
	})
}

// ipPermissions groups rules into the EC2 permission shape, one range per rule
// so that each keeps its description.
func ipPermissions(rules []SecurityGroupRule) []types.IpPermission {
	perms := make([]types.IpPermission, 0, len(rules))
	for _, rule := range rules {
		perm := types.IpPermission{
			IpProtocol: aws.String(rule.Protocol),
			FromPort:   rule.FromPort,
			ToPort:     rule.ToPort,
			IpRanges: []types.IpRange{{
				CidrIp:      aws.String(rule.CidrIP),
				Description: aws.String(rule.Description),
			}},
		}
		perms = append(perms, perm)
	}
	return perms
}

// isDefaultEgress matches the allow-all egress rule every new group has.
func isDefaultEgress(rule SecurityGroupRule) bool {
	return rule.Protocol == "-1" && rule.CidrIP == "0.0.0.0/0"
}

func (p *Provider) applySecurityGroup(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior SecurityGroupState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.ID != "" {
			_, err := p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: &prior.ID})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete SG: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired SecurityGroupConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	input := &ec2.CreateSecurityGroupInput{
		GroupName:         &desired.Name,
		Description:       &desired.Description,
		TagSpecifications: tagSpecifications(types.ResourceTypeSecurityGroup, desired.Tags, desired.Name),
	}
	if desired.VpcID != "" {
		input.VpcId = &desired.VpcID
	}

	resp, err := p.ec2Client.CreateSecurityGroup(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create SG: %w", err)
	}
	groupID := aws.ToString(resp.GroupId)

	if len(desired.Ingress) > 0 {
		_, err := p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       &groupID,
			IpPermissions: ipPermissions(desired.Ingress),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to authorize ingress on %s: %w", groupID, err)
		}
	}

	var egress []SecurityGroupRule
	for _, rule := range desired.Egress {
		if !isDefaultEgress(rule) {
			egress = append(egress, rule)
		}
	}
	if len(egress) > 0 {
		_, err := p.ec2Client.AuthorizeSecurityGroupEgress(ctx, &ec2.AuthorizeSecurityGroupEgressInput{
			GroupId:       &groupID,
			IpPermissions: ipPermissions(egress),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to authorize egress on %s: %w", groupID, err)
		}
	}

	return stateResponse(SecurityGroupState{
		ID:   groupID,
		Name: desired.Name,
	})
}

// InternetGateway
type InternetGatewayConfig struct {
	VpcID string            `json:"vpcId"`
	Tags  map[string]string `json:"tags"`
}

type InternetGatewayState struct {
	ID    string `json:"id"`
	VpcID string `json:"vpcId"`
}

func (p *Provider) applyInternetGateway(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior InternetGatewayState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.ID != "" {
			// Detach first
			if prior.VpcID != "" {
				_, err := p.ec2Client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
					InternetGatewayId: &prior.ID,
					VpcId:             &prior.VpcID,
				})
				if err != nil && !isNotFound(err) {
					return nil, fmt.Errorf("failed to detach IGW: %w", err)
				}
			}
			_, err := p.ec2Client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: &prior.ID})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete IGW: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired InternetGatewayConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	resp, err := p.ec2Client.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: tagSpecifications(types.ResourceTypeInternetGateway, desired.Tags, req.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create IGW: %w", err)
	}
	igwID := aws.ToString(resp.InternetGateway.InternetGatewayId)

	if desired.VpcID != "" {
		_, err := p.ec2Client.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
			InternetGatewayId: &igwID,
			VpcId:             &desired.VpcID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to attach IGW: %w", err)
		}
	}

	return stateResponse(InternetGatewayState{ID: igwID, VpcID: desired.VpcID})
}

// ElasticIP
type ElasticIPConfig struct {
	Domain string            `json:"domain"`
	Tags   map[string]string `json:"tags"`
}

type ElasticIPState struct {
	AllocationID string `json:"allocationId"`
	PublicIP     string `json:"publicIp"`
}

func (p *Provider) applyElasticIP(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior ElasticIPState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.AllocationID != "" {
			_, err := p.ec2Client.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: &prior.AllocationID})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to release EIP: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired ElasticIPConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	resp, err := p.ec2Client.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain:            types.DomainTypeVpc,
		TagSpecifications: tagSpecifications(types.ResourceTypeElasticIp, desired.Tags, req.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate address: %w", err)
	}

	return stateResponse(ElasticIPState{
		AllocationID: aws.ToString(resp.AllocationId),
		PublicIP:     aws.ToString(resp.PublicIp),
	})
}

// NatGateway
type NatGatewayConfig struct {
	SubnetID     string            `json:"subnetId"`
	AllocationID string            `json:"allocationId"`
	Tags         map[string]string `json:"tags"`
}

type NatGatewayState struct {
	ID string `json:"id"`
}

func (p *Provider) applyNatGateway(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior NatGatewayState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.ID != "" {
			_, err := p.ec2Client.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: &prior.ID})
			if err != nil {
				if isNotFound(err) {
					return &plugin.ApplyResponse{}, nil
				}
				return nil, fmt.Errorf("failed to delete NAT GW: %w", err)
			}
			// The elastic IP stays associated until the gateway is gone.
			err = ec2.NewNatGatewayDeletedWaiter(p.ec2Client).Wait(ctx, &ec2.DescribeNatGatewaysInput{
				NatGatewayIds: []string{prior.ID},
			}, ec2WaitTimeout)
			if err != nil {
				return nil, fmt.Errorf("NAT GW %s was not deleted: %w", prior.ID, err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired NatGatewayConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	resp, err := p.ec2Client.CreateNatGateway(ctx, &ec2.CreateNatGatewayInput{
		SubnetId:          &desired.SubnetID,
		AllocationId:      &desired.AllocationID,
		TagSpecifications: tagSpecifications(types.ResourceTypeNatgateway, desired.Tags, req.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NAT GW: %w", err)
	}
	natID := aws.ToString(resp.NatGateway.NatGatewayId)

	// Routes through a pending gateway are rejected.
	err = ec2.NewNatGatewayAvailableWaiter(p.ec2Client).Wait(ctx, &ec2.DescribeNatGatewaysInput{
		NatGatewayIds: []string{natID},
	}, ec2WaitTimeout)
	if err != nil {
		return nil, fmt.Errorf("NAT GW %s did not become available: %w", natID, err)
	}

	return stateResponse(NatGatewayState{ID: natID})
}

// RouteTable
type RouteConfig struct {
	DestinationCidrBlock string  `json:"destinationCidrBlock"`
	GatewayID            *string `json:"gatewayId"`
	NatGatewayID         *string `json:"natGatewayId"`
}

type RouteTableConfig struct {
	VpcID    string            `json:"vpcId"`
	SubnetID string            `json:"subnetId"`
	Routes   []RouteConfig     `json:"routes"`
	Tags     map[string]string `json:"tags"`
}

type RouteTableState struct {
	ID            string `json:"id"`
	AssociationID string `json:"associationId,omitempty"`
}

func (p *Provider) applyRouteTable(ctx context.Context, req *plugin.ApplyRequest) (*plugin.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		var prior RouteTableState
		if err := decode(req.PriorStateJSON, &prior, "prior state"); err != nil {
			return nil, err
		}
		if prior.AssociationID != "" {
			_, err := p.ec2Client.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{AssociationId: &prior.AssociationID})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to disassociate RT: %w", err)
			}
		}
		if prior.ID != "" {
			_, err := p.ec2Client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: &prior.ID})
			if err != nil && !isNotFound(err) {
				return nil, fmt.Errorf("failed to delete RT: %w", err)
			}
		}
		return &plugin.ApplyResponse{}, nil
	}

	var desired RouteTableConfig
	if err := decode(req.DesiredConfigJSON, &desired, "desired config"); err != nil {
		return nil, err
	}

	resp, err := p.ec2Client.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             &desired.VpcID,
		TagSpecifications: tagSpecifications(types.ResourceTypeRouteTable, desired.Tags, req.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create RT: %w", err)
	}
	rtID := aws.ToString(resp.RouteTable.RouteTableId)
	state := RouteTableState{ID: rtID}

	for _, route := range desired.Routes {
		input := &ec2.CreateRouteInput{
			RouteTableId:         &rtID,
			DestinationCidrBlock: &route.DestinationCidrBlock,
			GatewayId:            route.GatewayID,
			NatGatewayId:         route.NatGatewayID,
		}
		if _, err := p.ec2Client.CreateRoute(ctx, input); err != nil {
			return nil, fmt.Errorf("failed to create route to %s in %s: %w", route.DestinationCidrBlock, rtID, err)
		}
	}

	if desired.SubnetID != "" {
		assoc, err := p.ec2Client.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
			RouteTableId: &rtID,
			SubnetId:     &desired.SubnetID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to associate %s with %s: %w", rtID, desired.SubnetID, err)
		}
		state.AssociationID = aws.ToString(assoc.AssociationId)
	}

	return stateResponse(state)
}
