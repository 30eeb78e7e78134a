package stack

import (
	"github.com/stowrs-to-s3/stowrs-infra/internal/config"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
)

const (
	ListenerPort = 443
	tlsPolicy    = "ELBSecurityPolicy-TLS13-1-2-2021-06"
	// Load balancer and target group names are limited to 32 characters.
	maxELBNameLength = 32
)

// LoadBalancer is the network load balancer in front of the service.
type LoadBalancer struct {
	Resource    *ir.Resource
	TargetGroup *ir.Resource
	Listener    *ir.Resource
}

// newLoadBalancer declares an internet-facing network load balancer in the
// isolated subnets, a target group of task IPs health-checked over TCP, and
// a listener on 443. With an ACM certificate the listener terminates TLS;
// otherwise it passes TCP through to the proxy, which serves the
// certificate it loads from storage.
func newLoadBalancer(s *Stack, network *Network, topology config.CertificateTopology) *LoadBalancer {
	lb := s.add(TypeLoadBalancer, "nlb", map[string]any{
		"name":    elbName(s.app, "nlb"),
		"type":    "network",
		"scheme":  "internet-facing",
		"subnets": refs(network.SubnetResources(TierIsolated), "id"),
	})

	tg := s.add(TypeTargetGroup, "target-group", map[string]any{
		"name":       elbName(s.app, "tg"),
		"protocol":   "TCP",
		"port":       ListenerPort,
		"targetType": "ip",
		"vpcId":      Ref(network.Vpc, "id"),
		"healthCheck": map[string]any{
			"protocol":           "TCP",
			"port":               "traffic-port",
			"healthyThreshold":   3,
			"unhealthyThreshold": 3,
			"intervalSeconds":    30,
		},
	})

	listener := map[string]any{
		"loadBalancerArn": Ref(lb, "arn"),
		"port":            ListenerPort,
		"defaultActions": []any{
			map[string]any{"type": "forward", "targetGroupArn": Ref(tg, "arn")},
		},
	}
	switch t := topology.(type) {
	case config.ACMTopology:
		listener["protocol"] = "TLS"
		listener["certificates"] = []any{t.CertificateARN}
		listener["sslPolicy"] = tlsPolicy
	case config.StorageTopology:
		listener["protocol"] = "TCP"
	}

	return &LoadBalancer{
		Resource:    lb,
		TargetGroup: tg,
		Listener:    s.add(TypeListener, "listener-443", listener),
	}
}

// elbName builds a load balancer name within the length limit, keeping the
// suffix intact.
func elbName(app, suffix string) string {
	limit := maxELBNameLength - len(suffix) - 1
	if len(app) > limit {
		app = app[:limit]
	}
	for len(app) > 0 && app[len(app)-1] == '-' {
		app = app[:len(app)-1]
	}
	return app + "-" + suffix
}
