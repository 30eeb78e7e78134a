package stack

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/stowrs-to-s3/stowrs-infra/internal/config"
	"github.com/stowrs-to-s3/stowrs-infra/internal/ir"
	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
)

// Options carries what synthesis reads besides the configuration.
type Options struct {
	Env config.Environment
	// Fs holds the container source directories. Defaults to the OS filesystem.
	Fs afero.Fs
	// BaseDir resolves relative source directories, usually the directory of
	// the configuration file.
	BaseDir string
}

// Synthesize builds the resource graph of a deployment. It either returns the
// complete graph or an error and no graph.
func Synthesize(cfg config.DeploymentConfig, opts Options) (*ir.Config, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	topology, err := cfg.Topology()
	if err != nil {
		return nil, err
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	logging.Debug("synthesizing", "app", cfg.AppName, "topology", topology.String(), "region", opts.Env.Region)

	s := newStack(cfg.AppName, opts.Env)

	network, err := newNetwork(s, cfg.VpcCidr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	dicom := newBucket(s, "dicom-bucket", cfg.DicomBucketName)
	lb := newLoadBalancer(s, network, topology)

	grants := []BucketGrant{{ARN: dicom.ARN(), Access: AccessReadWrite}}
	if t, ok := topology.(config.StorageTopology); ok {
		certs := newBucket(s, "certificate-bucket", t.BucketName)
		grants = append(grants, BucketGrant{ARN: certs.ARN(), Access: AccessRead})
		s.output("certificateBucketName", certs.Name())
	}

	access, err := newAccessPolicy(s, grants)
	if err != nil {
		return nil, err
	}

	if _, err := newCompute(s, computeInput{
		spec:     cfg.TaskDefinition,
		peers:    cfg.AllowedPeers.PeerList,
		topology: topology,
		dicom:    dicom,
		network:  network,
		lb:       lb,
		access:   access,
		fs:       opts.Fs,
		baseDir:  opts.BaseDir,
	}); err != nil {
		return nil, err
	}

	s.tag(cfg.ResourceTags.TagList)

	s.output("dicomBucketName", dicom.Name())
	s.output("loadBalancerDnsName", Ref(lb.Resource, "dnsName"))

	graph := s.graph(topology)
	logging.Debug("synthesized", "resources", len(graph.Resources))
	return graph, nil
}

func resolveDir(base, dir string) string {
	if filepath.IsAbs(dir) || base == "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(base, dir)
}
