package config

import (
	"fmt"
	"strings"

	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
)

// CertMode is the certificate source forwarded to the proxy as CERT_MODE.
type CertMode string

const (
	CertModeACM    CertMode = "ACM"
	CertModeFromS3 CertMode = "FROMS3"
)

// AuthMode is the client authentication mode forwarded to the proxy as AUTH_MODE.
type AuthMode string

const (
	AuthAnonymous  AuthMode = "anonymous"
	AuthClientAuth AuthMode = "clientauth"
)

// CertificateTopology is decided once per synthesis and threaded through
// every provisioner. It is either an ACMTopology or a StorageTopology.
type CertificateTopology interface {
	Mode() CertMode
	Auth() AuthMode
	String() string
	isTopology()
}

// ACMTopology terminates TLS on the load balancer with a managed certificate.
// Client certificates are never verified in this topology.
type ACMTopology struct {
	CertificateARN string
}

func (ACMTopology) Mode() CertMode { return CertModeACM }
func (ACMTopology) Auth() AuthMode { return AuthAnonymous }
func (ACMTopology) isTopology()    {}

func (t ACMTopology) String() string {
	return fmt.Sprintf("ACM(%s)", t.CertificateARN)
}

// StorageTopology passes TLS through to the proxy, which loads its
// certificate material from a dedicated bucket.
type StorageTopology struct {
	BucketName string
	AuthMode   AuthMode
}

func (StorageTopology) Mode() CertMode   { return CertModeFromS3 }
func (t StorageTopology) Auth() AuthMode { return t.AuthMode }
func (StorageTopology) isTopology()      {}

func (t StorageTopology) String() string {
	return fmt.Sprintf("FROMS3(%s, %s)", t.BucketName, t.AuthMode)
}

func isACM(mode string) bool {
	return strings.EqualFold(strings.TrimSpace(mode), string(CertModeACM))
}

func isFromS3(mode string) bool {
	return strings.EqualFold(strings.TrimSpace(mode), string(CertModeFromS3))
}

func isClientAuth(mode string) bool {
	return strings.EqualFold(strings.TrimSpace(mode), string(AuthClientAuth))
}

// Topology selects the certificate topology. A case-insensitive "ACM" mode
// selects ACM; any other value selects storage. Without strict mode,
// clientauth under ACM is downgraded to anonymous and unknown modes fall back
// to FROMS3; strict mode rejects both.
func (c DeploymentConfig) Topology() (CertificateTopology, error) {
	if c.Certificate == nil {
		return nil, asError([]error{missing("certificate_config")})
	}
	cert := c.Certificate
	mode, authMode := deref(cert.Mode), deref(cert.AuthMode)

	if isACM(mode) {
		if isClientAuth(authMode) {
			if c.Strict {
				return nil, asError([]error{fmt.Errorf("certificate_config.auth_mode %q is not supported with mode %q", authMode, mode)})
			}
			logging.Warn("clientauth is not supported with ACM certificates, using anonymous", "auth_mode", authMode)
		}
		if cert.CertificateARN == "" {
			return nil, asError([]error{missing("certificate_config.certificate_arn")})
		}
		return ACMTopology{CertificateARN: cert.CertificateARN}, nil
	}

	if !isFromS3(mode) {
		if c.Strict {
			return nil, asError([]error{fmt.Errorf("certificate_config.mode %q must be one of %q or %q", mode, CertModeACM, CertModeFromS3)})
		}
		logging.Warn("unrecognized certificate mode, defaulting to FROMS3", "mode", mode)
	}
	if cert.CertificateBucket == "" {
		return nil, asError([]error{missing("certificate_config.certificate_bucket")})
	}

	auth := AuthAnonymous
	if isClientAuth(authMode) {
		auth = AuthClientAuth
	} else if c.Strict && !strings.EqualFold(strings.TrimSpace(authMode), string(AuthAnonymous)) {
		return nil, asError([]error{fmt.Errorf("certificate_config.auth_mode %q must be one of %q or %q", authMode, AuthAnonymous, AuthClientAuth)})
	}
	return StorageTopology{BucketName: cert.CertificateBucket, AuthMode: auth}, nil
}
