package config

import (
	"fmt"
	"strings"
)

// Validate checks that every required key is present, including the
// certificate source required by the mode the selector will pick.
func (c DeploymentConfig) Validate() error {
	var problems []error

	if c.AppName == "" {
		problems = append(problems, missing("app_name"))
	}
	if c.VpcCidr == "" {
		problems = append(problems, missing("vpc_cidr"))
	}
	if c.DicomBucketName == "" {
		problems = append(problems, missing("dicom_bucket_name"))
	}

	if c.Certificate == nil {
		problems = append(problems, missing("certificate_config"))
	} else {
		problems = append(problems, c.Certificate.validate()...)
	}

	if c.TaskDefinition == nil {
		problems = append(problems, missing("task_definition"))
	} else {
		problems = append(problems, c.TaskDefinition.validate()...)
	}

	if c.AllowedPeers == nil || c.AllowedPeers.PeerList == nil {
		problems = append(problems, missing("allowed_peers.peer_list"))
	}
	if c.ResourceTags == nil || c.ResourceTags.TagList == nil {
		problems = append(problems, missing("resource_tags.tag_list"))
	}

	return asError(problems)
}

func (c *CertificateConfig) validate() []error {
	var problems []error
	if c.Mode == nil {
		problems = append(problems, missing("certificate_config.mode"))
	}
	if c.AuthMode == nil {
		problems = append(problems, missing("certificate_config.auth_mode"))
	}
	if isACM(deref(c.Mode)) {
		if c.CertificateARN == "" {
			problems = append(problems, missing("certificate_config.certificate_arn"))
		}
	} else if c.CertificateBucket == "" {
		problems = append(problems, missing("certificate_config.certificate_bucket"))
	}
	return problems
}

func (t *TaskDefinitionSpec) validate() []error {
	var problems []error
	if t.Memory == 0 {
		problems = append(problems, missing("task_definition.memory"))
	}
	if t.CPU == 0 {
		problems = append(problems, missing("task_definition.cpu"))
	}
	if t.TaskCount == nil {
		problems = append(problems, missing("task_definition.task_count"))
	} else if *t.TaskCount < 0 {
		problems = append(problems, fmt.Errorf("task_definition.task_count must not be negative, got %d", *t.TaskCount))
	}
	problems = append(problems, validateContainer("task_definition.nginx_container", t.NginxContainer, false)...)
	problems = append(problems, validateContainer("task_definition.app_container", t.AppContainer, true)...)
	return problems
}

func validateContainer(path string, c *ContainerSpec, needsEnvs bool) []error {
	if c == nil {
		return []error{missing(path)}
	}
	var problems []error
	if strings.TrimSpace(c.SourceDirectory) == "" {
		problems = append(problems, missing(path+".source_directory"))
	}
	if c.Memory == 0 {
		problems = append(problems, missing(path+".memory"))
	}
	if c.CPU == 0 {
		problems = append(problems, missing(path+".cpu"))
	}
	if needsEnvs && c.Envs == nil {
		problems = append(problems, missing(path+".envs"))
	}
	return problems
}
