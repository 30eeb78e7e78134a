package config

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
)

func TestDefault_IsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidate_MissingKeys(t *testing.T) {
	err := DeploymentConfig{}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	for _, key := range []string{
		"app_name", "vpc_cidr", "dicom_bucket_name", "certificate_config",
		"task_definition", "allowed_peers.peer_list", "resource_tags.tag_list",
	} {
		assert.Contains(t, err.Error(), key)
	}
	assert.Len(t, cfgErr.Problems, 7)
}

func TestValidate_CertificateSource(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CertificateConfig)
		wantKey string
	}{
		{
			name:    "acm without arn",
			mutate:  func(c *CertificateConfig) { c.Mode = String("acm"); c.CertificateARN = "" },
			wantKey: "certificate_config.certificate_arn",
		},
		{
			name:    "froms3 without bucket",
			mutate:  func(c *CertificateConfig) { c.Mode = String("FROMS3"); c.CertificateBucket = "" },
			wantKey: "certificate_config.certificate_bucket",
		},
		{
			name:    "unknown mode without bucket",
			mutate:  func(c *CertificateConfig) { c.Mode = String("bogus"); c.CertificateBucket = "" },
			wantKey: "certificate_config.certificate_bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg.Certificate)
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantKey)
		})
	}
}

func TestValidate_CertificateModes(t *testing.T) {
	tests := []struct {
		name    string
		mode    *string
		auth    *string
		wantKey string
	}{
		{name: "empty values are present", mode: String(""), auth: String("")},
		{name: "absent mode", mode: nil, auth: String("anonymous"), wantKey: "certificate_config.mode"},
		{name: "absent auth mode", mode: String("ACM"), auth: nil, wantKey: "certificate_config.auth_mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Certificate.Mode = tt.mode
			cfg.Certificate.AuthMode = tt.auth

			err := cfg.Validate()
			if tt.wantKey == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantKey)
		})
	}
}

func TestValidate_EmptyModesSelectStorage(t *testing.T) {
	cfg := Default()
	cfg.Certificate.Mode = String("")
	cfg.Certificate.AuthMode = String("")
	require.NoError(t, cfg.Validate())

	topo, err := cfg.Topology()
	require.NoError(t, err)
	assert.Equal(t, CertModeFromS3, topo.Mode())
	assert.Equal(t, AuthAnonymous, topo.Auth())
}

func TestValidate_TaskDefinition(t *testing.T) {
	cfg := Default()
	cfg.TaskDefinition.TaskCount = nil
	cfg.TaskDefinition.AppContainer.Envs = nil
	cfg.TaskDefinition.NginxContainer = nil

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "task_definition.task_count")
	assert.Contains(t, err.Error(), "task_definition.app_container.envs")
	assert.Contains(t, err.Error(), "task_definition.nginx_container")
}

func TestValidate_EmptyPeerListIsAllowed(t *testing.T) {
	cfg := Default()
	cfg.AllowedPeers.PeerList = []string{}
	assert.NoError(t, cfg.Validate())
}

func TestTopology(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		auth     string
		wantMode CertMode
		wantAuth AuthMode
	}{
		{"acm anonymous", "ACM", "anonymous", CertModeACM, AuthAnonymous},
		{"acm lower case", "acm", "anonymous", CertModeACM, AuthAnonymous},
		{"acm forces anonymous", "Acm", "clientauth", CertModeACM, AuthAnonymous},
		{"froms3 clientauth", "FROMS3", "clientauth", CertModeFromS3, AuthClientAuth},
		{"froms3 clientauth any case", "froms3", "ClientAuth", CertModeFromS3, AuthClientAuth},
		{"froms3 anonymous", "FROMS3", "anonymous", CertModeFromS3, AuthAnonymous},
		{"froms3 unknown auth", "FROMS3", "mtls", CertModeFromS3, AuthAnonymous},
		{"empty mode", "", "clientauth", CertModeFromS3, AuthClientAuth},
		{"bogus mode", "bogus", "anonymous", CertModeFromS3, AuthAnonymous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Certificate.Mode = String(tt.mode)
			cfg.Certificate.AuthMode = String(tt.auth)

			topo, err := cfg.Topology()
			require.NoError(t, err)
			assert.Equal(t, tt.wantMode, topo.Mode())
			assert.Equal(t, tt.wantAuth, topo.Auth())

			switch v := topo.(type) {
			case ACMTopology:
				assert.Equal(t, cfg.Certificate.CertificateARN, v.CertificateARN)
			case StorageTopology:
				assert.Equal(t, cfg.Certificate.CertificateBucket, v.BucketName)
			default:
				t.Fatalf("unexpected topology %T", topo)
			}
		})
	}
}

func TestTopology_LogsOverrides(t *testing.T) {
	var buf bytes.Buffer
	logging.InitWithWriter(&buf, "warn", "text")
	t.Cleanup(func() { logging.Init("info", "text") })

	cfg := Default()
	cfg.Certificate.AuthMode = String("clientauth")
	_, err := cfg.Topology()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "clientauth is not supported with ACM")

	buf.Reset()
	cfg.Certificate.Mode = String("bogus")
	_, err = cfg.Topology()
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "unrecognized certificate mode")
}

func TestTopology_Strict(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		auth    string
		wantErr bool
	}{
		{"acm anonymous", "ACM", "anonymous", false},
		{"acm clientauth", "ACM", "clientauth", true},
		{"froms3 clientauth", "FROMS3", "clientauth", false},
		{"froms3 unknown auth", "FROMS3", "mtls", true},
		{"bogus mode", "bogus", "anonymous", true},
		{"empty mode", "", "anonymous", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Strict = true
			cfg.Certificate.Mode = String(tt.mode)
			cfg.Certificate.AuthMode = String(tt.auth)

			_, err := cfg.Topology()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvironmentFromEnv(t *testing.T) {
	t.Setenv(AccountEnvVar, "")
	t.Setenv(RegionEnvVar, "")
	t.Setenv(LegacyAccountEnvVar, "111122223333")
	t.Setenv(LegacyRegionEnvVar, "eu-west-1")

	env := EnvironmentFromEnv()
	assert.Equal(t, "111122223333", env.Account)
	assert.Equal(t, "eu-west-1", env.Region)
	assert.False(t, env.IsAgnostic())

	t.Setenv(RegionEnvVar, "us-east-2")
	assert.Equal(t, "us-east-2", EnvironmentFromEnv().Region)

	t.Setenv(RegionEnvVar, "")
	t.Setenv(LegacyRegionEnvVar, "")
	assert.True(t, EnvironmentFromEnv().IsAgnostic())
}

const sampleYAML = `
app_name: stowrs-to-s3
vpc_cidr: 10.10.0.0/22
dicom_bucket_name: my-dicom
certificate_config:
  auth_mode: clientauth
  mode: FROMS3
  certificate_bucket: my-certs
task_definition:
  memory: 6144
  cpu: 2048
  task_count: 2
  nginx_container:
    source_directory: ../nginx
    memory: 2048
    cpu: 1024
  app_container:
    source_directory: ../app
    memory: 4096
    cpu: 1024
    envs:
      PREFIX: STOWFG-1
allowed_peers:
  peer_list:
    - 203.0.113.5/32
resource_tags:
  tag_list:
    team: imaging
`

func TestLoadYAML(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg/stowrs.yaml", []byte(sampleYAML), 0644))

	cfg, err := LoadYAML(fs, "/cfg/stowrs.yaml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "stowrs-to-s3", cfg.AppName)
	assert.Equal(t, "my-certs", cfg.Certificate.CertificateBucket)
	assert.Equal(t, 2, *cfg.TaskDefinition.TaskCount)
	assert.Equal(t, "STOWFG-1", cfg.TaskDefinition.AppContainer.Envs["PREFIX"])
	assert.Equal(t, []string{"203.0.113.5/32"}, cfg.AllowedPeers.PeerList)
	assert.Equal(t, "imaging", cfg.ResourceTags.TagList["team"])
	assert.False(t, cfg.Strict)
}

func TestLoadYAML_EmptyVersusAbsentMode(t *testing.T) {
	fs := afero.NewMemMapFs()
	empty := strings.Replace(sampleYAML, "mode: FROMS3", `mode: ""`, 1)
	absent := strings.Replace(sampleYAML, "  mode: FROMS3\n", "", 1)
	require.NoError(t, afero.WriteFile(fs, "/empty.yaml", []byte(empty), 0644))
	require.NoError(t, afero.WriteFile(fs, "/absent.yaml", []byte(absent), 0644))

	cfg, err := LoadYAML(fs, "/empty.yaml")
	require.NoError(t, err)
	require.NotNil(t, cfg.Certificate.Mode)
	assert.Equal(t, "", *cfg.Certificate.Mode)
	require.NoError(t, cfg.Validate())

	cfg, err = LoadYAML(fs, "/absent.yaml")
	require.NoError(t, err)
	assert.Nil(t, cfg.Certificate.Mode)
	err = cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "certificate_config.mode")
}

func TestLoadYAML_JSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	doc := `{"app_name": "a", "vpc_cidr": "10.0.0.0/16", "strict": true}`
	require.NoError(t, afero.WriteFile(fs, "/cfg.json", []byte(doc), 0644))

	cfg, err := LoadYAML(fs, "/cfg.json")
	require.NoError(t, err)
	assert.Equal(t, "a", cfg.AppName)
	assert.True(t, cfg.Strict)
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestLoadYAML_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/empty.yaml", nil, 0644))
	require.NoError(t, afero.WriteFile(fs, "/typo.yaml", []byte("app_nmae: x\n"), 0644))

	_, err := LoadYAML(fs, "/empty.yaml")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadYAML(fs, "/typo.yaml")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "app_nmae")

	_, err = LoadYAML(fs, "/missing.yaml")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidConfig)
}
