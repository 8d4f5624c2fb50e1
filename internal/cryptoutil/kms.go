package cryptoutil

import (
	"context"
	"crypto"
	"crypto/x509"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

// kmsKeyFetcher is the subset of the KMS API needed to fetch a public key.
type kmsKeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSKeySource serves the legacy manifest verification key out of an
// asymmetric KMS key. Caching is left to LegacyVerifier.
type KMSKeySource struct {
	client kmsKeyFetcher
	keyARN string
}

func NewKMSKeySource(client *kms.Client, keyARN string) *KMSKeySource {
	return &KMSKeySource{client: client, keyARN: keyARN}
}

func (s *KMSKeySource) FetchPublicKey(ctx context.Context) (crypto.PublicKey, error) {
	if s.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}
	out, err := s.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{
		KeyId: aws.String(s.keyARN),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms get public key")
	}
	// refuse encryption keys before anything gets cached
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", s.keyARN, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}
	return pub, nil
}
