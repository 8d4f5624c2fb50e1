package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"sync"

	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

// PublicKeySource fetches the key that legacy (pre code signing) manifest
// signatures are checked against.
type PublicKeySource interface {
	FetchPublicKey(ctx context.Context) (crypto.PublicKey, error)
}

// LegacyVerifier checks manifestString signatures. The key is cached; on a
// verification failure it is re-fetched once, bypassing the cache, to pick
// up a rotated key. A second failure is final.
type LegacyVerifier struct {
	source PublicKeySource

	mu     sync.RWMutex
	pubKey crypto.PublicKey
}

func NewLegacyVerifier(src PublicKeySource) *LegacyVerifier {
	return &LegacyVerifier{source: src}
}

// PublicKey returns the cached key, fetching it on first use or when
// refresh is set.
func (v *LegacyVerifier) PublicKey(ctx context.Context, refresh bool) (crypto.PublicKey, error) {
	if !refresh {
		v.mu.RLock()
		if v.pubKey != nil {
			defer v.mu.RUnlock()
			return v.pubKey, nil
		}
		v.mu.RUnlock()
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if !refresh && v.pubKey != nil {
		return v.pubKey, nil
	}
	if v.source == nil {
		return nil, xerrors.New("legacy public key source is not configured")
	}
	pub, err := v.source.FetchPublicKey(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "fetch legacy public key")
	}
	v.pubKey = pub
	return pub, nil
}

// Verify checks a base64 signature over data.
func (v *LegacyVerifier) Verify(ctx context.Context, data []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		if sig, err = base64.RawURLEncoding.DecodeString(signature); err != nil {
			return xerrors.Wrap(err, "decode legacy signature")
		}
	}

	pub, err := v.PublicKey(ctx, false)
	if err != nil {
		return err
	}
	if verifyWithKey(pub, data, sig) == nil {
		return nil
	}

	pub, err = v.PublicKey(ctx, true)
	if err != nil {
		return err
	}
	return verifyWithKey(pub, data, sig)
}

// verifyWithKey supports ECDSA (P-256/P-384) and RSA. RSA accepts
// PKCS1v15, which every legacy signature uses, after trying PSS.
func verifyWithKey(pub crypto.PublicKey, message, signature []byte) error {
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSA(key, message, signature)
	case *rsa.PublicKey:
		return verifyRSA(key, message, signature, true)
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}

func verifyECDSA(key *ecdsa.PublicKey, message, signature []byte) error {
	hashFunc, digest, err := ecdsaDigest(key, message)
	if err != nil {
		return err
	}
	if !ecdsa.VerifyASN1(key, digest, signature) {
		return xerrors.Newf("ECDSA signature verification failed. hash: %s, curve: %s", hashFunc.String(), key.Curve.Params().Name)
	}
	return nil
}

func ecdsaDigest(key *ecdsa.PublicKey, message []byte) (crypto.Hash, []byte, error) {
	switch key.Curve {
	case elliptic.P256():
		d := sha256.Sum256(message)
		return crypto.SHA256, d[:], nil
	case elliptic.P384():
		d := sha512.Sum384(message)
		return crypto.SHA384, d[:], nil
	default:
		return 0, nil, xerrors.Newf("unsupported ECDSA curve: %v", key.Curve.Params().Name)
	}
}

// verifyRSA tries PSS and, when allowPKCS1v15 is set, falls back to PKCS1v15.
func verifyRSA(key *rsa.PublicKey, message, signature []byte, allowPKCS1v15 bool) error {
	digest := sha256.Sum256(message)
	pssErr := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil)
	if pssErr == nil {
		return nil
	}
	if !allowPKCS1v15 {
		return xerrors.Newf("RSA-PSS verification failed (PKCS1v15 fallback disabled): %v", pssErr)
	}
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature); err != nil {
		return xerrors.Wrap(err, "RSA signature verification failed")
	}
	return nil
}
