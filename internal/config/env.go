package config

import "os"

// Environment variables naming the deployment target. The CDK_* names are
// honored so existing deployment pipelines keep working.
const (
	AccountEnvVar       = "STOWRS_ACCOUNT"
	RegionEnvVar        = "STOWRS_REGION"
	LegacyAccountEnvVar = "CDK_DEFAULT_ACCOUNT"
	LegacyRegionEnvVar  = "CDK_DEFAULT_REGION"
)

// Environment is the account and region a graph is specialized for. A zero
// Environment yields an environment-agnostic graph.
type Environment struct {
	Account string
	Region  string
}

// IsAgnostic reports whether the environment names no region.
func (e Environment) IsAgnostic() bool {
	return e.Region == ""
}

// EnvironmentFromEnv reads the target account and region from the process
// environment.
func EnvironmentFromEnv() Environment {
	return Environment{
		Account: firstNonEmpty(os.Getenv(AccountEnvVar), os.Getenv(LegacyAccountEnvVar)),
		Region:  firstNonEmpty(os.Getenv(RegionEnvVar), os.Getenv(LegacyRegionEnvVar)),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
