// Package config holds the deployment configuration of a STOW-RS stack and
// the rules that turn it into a certificate topology.
package config

// DeploymentConfig is the complete, immutable input of one synthesis.
// Nested sections are pointers so that an absent section can be told apart
// from an empty one.
type DeploymentConfig struct {
	AppName         string              `pkl:"app_name" yaml:"app_name"`
	VpcCidr         string              `pkl:"vpc_cidr" yaml:"vpc_cidr"`
	DicomBucketName string              `pkl:"dicom_bucket_name" yaml:"dicom_bucket_name"`
	Certificate     *CertificateConfig  `pkl:"certificate_config" yaml:"certificate_config"`
	TaskDefinition  *TaskDefinitionSpec `pkl:"task_definition" yaml:"task_definition"`
	AllowedPeers    *AllowedPeers       `pkl:"allowed_peers" yaml:"allowed_peers"`
	ResourceTags    *ResourceTags       `pkl:"resource_tags" yaml:"resource_tags"`

	// Strict rejects inconsistent certificate settings instead of
	// overriding them.
	Strict bool `pkl:"strict" yaml:"strict"`
}

// CertificateConfig selects where the listener certificate comes from and
// whether the proxy verifies client certificates.
// AuthMode and Mode are pointers because only an absent key is an error: an
// empty value is a valid input to topology selection.
type CertificateConfig struct {
	AuthMode *string `pkl:"auth_mode" yaml:"auth_mode"`
	Mode     *string `pkl:"mode" yaml:"mode"`
	// CertificateARN is only read in ACM mode.
	CertificateARN string `pkl:"certificate_arn" yaml:"certificate_arn"`
	// CertificateBucket is only read in FROMS3 mode.
	CertificateBucket string `pkl:"certificate_bucket" yaml:"certificate_bucket"`
}

// TaskDefinitionSpec sizes the task and its two containers.
type TaskDefinitionSpec struct {
	Memory         int            `pkl:"memory" yaml:"memory"`
	CPU            int            `pkl:"cpu" yaml:"cpu"`
	TaskCount      *int           `pkl:"task_count" yaml:"task_count"`
	NginxContainer *ContainerSpec `pkl:"nginx_container" yaml:"nginx_container"`
	AppContainer   *ContainerSpec `pkl:"app_container" yaml:"app_container"`
}

// ContainerSpec sizes one container and names the directory its image is
// built from. Envs is only read for the application container.
type ContainerSpec struct {
	SourceDirectory string            `pkl:"source_directory" yaml:"source_directory"`
	Memory          int               `pkl:"memory" yaml:"memory"`
	CPU             int               `pkl:"cpu" yaml:"cpu"`
	Envs            map[string]string `pkl:"envs" yaml:"envs,omitempty"`
}

// AllowedPeers lists the CIDR blocks allowed to reach the public listener.
type AllowedPeers struct {
	PeerList []string `pkl:"peer_list" yaml:"peer_list"`
}

// ResourceTags are applied to every taggable resource of the stack.
type ResourceTags struct {
	TagList map[string]string `pkl:"tag_list" yaml:"tag_list"`
}

// Default returns the reference configuration of the solution.
func Default() DeploymentConfig {
	taskCount := 1
	return DeploymentConfig{
		AppName:         "stowrs-to-s3",
		VpcCidr:         "10.10.0.0/22",
		DicomBucketName: "stowrstos3-dicom",
		Certificate: &CertificateConfig{
			AuthMode:          String(string(AuthAnonymous)),
			Mode:              String(string(CertModeACM)),
			CertificateARN:    "arn:aws:acm:us-east-1:111122223333:certificate/00000000-0000-0000-0000-000000000000",
			CertificateBucket: "stowrs-to-s3-certs",
		},
		TaskDefinition: &TaskDefinitionSpec{
			Memory:    6144,
			CPU:       2048,
			TaskCount: &taskCount,
			NginxContainer: &ContainerSpec{
				SourceDirectory: "../nginx",
				Memory:          2048,
				CPU:             1024,
			},
			AppContainer: &ContainerSpec{
				SourceDirectory: "../app",
				Memory:          4096,
				CPU:             1024,
				Envs: map[string]string{
					"PREFIX":        "STOWFG-1",
					"WADOURL":       "https://thisurldoesnotexist.com/wado",
					"LOGLEVEL":      "WARNING",
					"RESPONSEDELAY": "0",
				},
			},
		},
		AllowedPeers: &AllowedPeers{PeerList: []string{"0.0.0.0/0"}},
		ResourceTags: &ResourceTags{TagList: map[string]string{
			"exampletag1": "examplevalue1",
			"exampletag2": "examplevalue2",
		}},
	}
}

// String returns a pointer to v, for optional configuration values.
func String(v string) *string {
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
