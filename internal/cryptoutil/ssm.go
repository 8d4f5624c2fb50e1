package cryptoutil

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

type ssmParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// FetchCertificatePEMFromSSM reads a PEM code signing certificate stored in
// an SSM parameter (SecureString is decrypted).
func FetchCertificatePEMFromSSM(ctx context.Context, client ssmParameterGetter, name string) ([]byte, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", name)
	}
	value := strings.TrimSpace(*out.Parameter.Value)
	if !strings.Contains(value, "-----BEGIN CERTIFICATE-----") {
		return nil, xerrors.Newf("SSM parameter %s does not hold a PEM certificate", name)
	}
	return []byte(value + "\n"), nil
}
