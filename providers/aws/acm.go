package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/acm/types"
)

// checkCertificate fails unless arn names an issued certificate. A TLS
// listener created with a pending or expired certificate never serves.
func (p *Provider) checkCertificate(ctx context.Context, arn string) error {
	resp, err := p.acmClient.DescribeCertificate(ctx, &acm.DescribeCertificateInput{
		CertificateArn: aws.String(arn),
	})
	if err != nil {
		return fmt.Errorf("failed to describe certificate %s: %w", arn, err)
	}
	if resp.Certificate == nil {
		return fmt.Errorf("certificate %s not found", arn)
	}
	if status := resp.Certificate.Status; status != types.CertificateStatusIssued {
		return fmt.Errorf("certificate %s is %s, expected %s", arn, status, types.CertificateStatusIssued)
	}
	return nil
}
