package stack

import (
	"fmt"
	"net"

	"github.com/c-robinson/iplib"

	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

// SubnetTier is the routing class of a subnet.
type SubnetTier string

const (
	TierPublic   SubnetTier = "public"
	TierIsolated SubnetTier = "isolated"
	TierPrivate  SubnetTier = "private"
)

const (
	availabilityZones = 2
	// The VPC CIDR is split into 2^subnetBits equal blocks; six are used.
	subnetBits = 3
	// AWS rejects subnets smaller than /28.
	maxSubnetPrefix = 28
)

// tierOrder fixes the block assignment: blocks are allocated tier by tier,
// one per availability zone, in this order.
var tierOrder = []SubnetTier{TierPublic, TierIsolated, TierPrivate}

// Subnet is a declared subnet and the CIDR carved for it.
type Subnet struct {
	Resource *ir.Resource
	CIDR     string
	Tier     SubnetTier
	AZ       string
}

// Network is the VPC and its subnet tiers.
type Network struct {
	Vpc     *ir.Resource
	subnets map[SubnetTier][]Subnet
}

// Subnets returns the subnets of a tier in availability zone order.
func (n *Network) Subnets(tier SubnetTier) []Subnet {
	return n.subnets[tier]
}

// SubnetResources returns the subnet resources of a tier.
func (n *Network) SubnetResources(tier SubnetTier) []*ir.Resource {
	var out []*ir.Resource
	for _, s := range n.subnets[tier] {
		out = append(out, s.Resource)
	}
	return out
}

// CIDRs returns the CIDR blocks of a tier.
func (n *Network) CIDRs(tier SubnetTier) []string {
	var out []string
	for _, s := range n.subnets[tier] {
		out = append(out, s.CIDR)
	}
	return out
}

// carve splits cidr into the subnet blocks of every tier.
func carve(cidr string) (map[SubnetTier][]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("vpc_cidr %q is not a CIDR block: %w", cidr, err)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("vpc_cidr %q must be an IPv4 block", cidr)
	}
	ones, _ := ipnet.Mask.Size()
	if ones+subnetBits > maxSubnetPrefix {
		return nil, fmt.Errorf("vpc_cidr %q is too small to carve into %d subnets, use /%d or larger",
			cidr, availabilityZones*len(tierOrder), maxSubnetPrefix-subnetBits)
	}

	blocks, err := iplib.NewNet4(ipnet.IP, ones).Subnet(ones + subnetBits)
	if err != nil {
		return nil, fmt.Errorf("failed to carve vpc_cidr %q: %w", cidr, err)
	}

	out := make(map[SubnetTier][]string, len(tierOrder))
	i := 0
	for _, tier := range tierOrder {
		for az := 0; az < availabilityZones; az++ {
			out[tier] = append(out[tier], blocks[i].String())
			i++
		}
	}
	return out, nil
}

// zoneName returns the name of the n-th availability zone, or "" when the
// region is unknown and the engine must choose.
func zoneName(region string, n int) string {
	if region == "" {
		return ""
	}
	return fmt.Sprintf("%s%c", region, 'a'+n)
}

// newNetwork declares a VPC with public, isolated and private subnets in two
// availability zones. Public subnets route through an internet gateway and
// host one NAT gateway per zone; private subnets route through the NAT
// gateway of their zone; isolated subnets have local routes only.
func newNetwork(s *Stack, cidr string) (*Network, error) {
	blocks, err := carve(cidr)
	if err != nil {
		return nil, err
	}

	vpc := s.add(TypeVpc, "vpc", map[string]any{
		"cidrBlock":          cidr,
		"enableDnsHostnames": true,
		"enableDnsSupport":   true,
		"name":               s.physicalName("vpc"),
	})

	igw := s.add(TypeInternetGateway, "igw", map[string]any{
		"vpcId": Ref(vpc, "id"),
	})

	n := &Network{Vpc: vpc, subnets: make(map[SubnetTier][]Subnet)}
	for _, tier := range tierOrder {
		for az, block := range blocks[tier] {
			zone := zoneName(s.env.Region, az)
			name := fmt.Sprintf("%s-subnet-%d", tier, az+1)
			props := map[string]any{
				"vpcId":               Ref(vpc, "id"),
				"cidrBlock":           block,
				"mapPublicIpOnLaunch": tier == TierPublic,
				"tier":                string(tier),
			}
			if zone != "" {
				props["availabilityZone"] = zone
			}
			n.subnets[tier] = append(n.subnets[tier], Subnet{
				Resource: s.add(TypeSubnet, name, props),
				CIDR:     block,
				Tier:     tier,
				AZ:       zone,
			})
		}
	}

	var nats []*ir.Resource
	for az, subnet := range n.subnets[TierPublic] {
		eip := s.add(TypeElasticIP, fmt.Sprintf("nat-eip-%d", az+1), map[string]any{
			"domain": "vpc",
		})
		nat := s.add(TypeNatGateway, fmt.Sprintf("nat-%d", az+1), map[string]any{
			"subnetId":     Ref(subnet.Resource, "id"),
			"allocationId": Ref(eip, "allocationId"),
		}, igw)
		nats = append(nats, nat)

		s.add(TypeRouteTable, fmt.Sprintf("public-rt-%d", az+1), map[string]any{
			"vpcId":    Ref(vpc, "id"),
			"subnetId": Ref(subnet.Resource, "id"),
			"routes": []any{
				map[string]any{"destinationCidrBlock": "0.0.0.0/0", "gatewayId": Ref(igw, "id")},
			},
		})
	}

	for az, subnet := range n.subnets[TierPrivate] {
		s.add(TypeRouteTable, fmt.Sprintf("private-rt-%d", az+1), map[string]any{
			"vpcId":    Ref(vpc, "id"),
			"subnetId": Ref(subnet.Resource, "id"),
			"routes": []any{
				map[string]any{"destinationCidrBlock": "0.0.0.0/0", "natGatewayId": Ref(nats[az], "id")},
			},
		})
	}

	for az, subnet := range n.subnets[TierIsolated] {
		s.add(TypeRouteTable, fmt.Sprintf("isolated-rt-%d", az+1), map[string]any{
			"vpcId":    Ref(vpc, "id"),
			"subnetId": Ref(subnet.Resource, "id"),
			"routes":   []any{},
		})
	}

	s.output("vpcId", Ref(vpc, "id"))
	return n, nil
}
