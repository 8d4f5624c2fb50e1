package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

func generateTestRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

func generateTestECKey(t *testing.T, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generate ECDSA key: %v", err)
	}
	return key
}

func signPKCS1v15(t *testing.T, key *rsa.PrivateKey, msg []byte) string {
	t.Helper()
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

// keySequence hands out keys in order, repeating the last one.
type keySequence struct {
	keys  []crypto.PublicKey
	err   error
	calls int
}

func (s *keySequence) FetchPublicKey(context.Context) (crypto.PublicKey, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	i := min(s.calls-1, len(s.keys)-1)
	return s.keys[i], nil
}

func TestLegacyVerifier_RSAPKCS1v15(t *testing.T) {
	key := generateTestRSAKey(t)
	src := &keySequence{keys: []crypto.PublicKey{&key.PublicKey}}
	v := NewLegacyVerifier(src)

	msg := []byte(`{"id":"0754dad0-d200-d634-113c-ef1f26106028"}`)
	if err := v.Verify(t.Context(), msg, signPKCS1v15(t, key, msg)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := v.Verify(t.Context(), msg, signPKCS1v15(t, key, msg)); err != nil {
		t.Fatalf("second Verify: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("key fetched %d times, want 1 (cached)", src.calls)
	}
}

func TestLegacyVerifier_RSAPSS(t *testing.T) {
	key := generateTestRSAKey(t)
	v := NewLegacyVerifier(&keySequence{keys: []crypto.PublicKey{&key.PublicKey}})

	msg := []byte("manifest")
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Verify(t.Context(), msg, base64.StdEncoding.EncodeToString(sig)); err != nil {
		t.Fatalf("Verify PSS: %v", err)
	}
}

func TestLegacyVerifier_ECDSA(t *testing.T) {
	for _, tc := range []struct {
		name   string
		curve  elliptic.Curve
		digest func([]byte) []byte
	}{
		{"P256", elliptic.P256(), func(b []byte) []byte { d := sha256.Sum256(b); return d[:] }},
		{"P384", elliptic.P384(), func(b []byte) []byte { d := sha512.Sum384(b); return d[:] }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			key := generateTestECKey(t, tc.curve)
			v := NewLegacyVerifier(&keySequence{keys: []crypto.PublicKey{&key.PublicKey}})

			msg := []byte("manifest")
			sig, err := ecdsa.SignASN1(rand.Reader, key, tc.digest(msg))
			if err != nil {
				t.Fatal(err)
			}
			enc := base64.RawURLEncoding.EncodeToString(sig)
			if err := v.Verify(t.Context(), msg, enc); err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if err := v.Verify(t.Context(), []byte("other"), enc); err == nil {
				t.Fatal("expected failure for wrong message")
			}
		})
	}
}

func TestLegacyVerifier_RefetchesOnFailure(t *testing.T) {
	oldKey := generateTestRSAKey(t)
	newKey := generateTestRSAKey(t)
	src := &keySequence{keys: []crypto.PublicKey{&oldKey.PublicKey, &newKey.PublicKey}}
	v := NewLegacyVerifier(src)

	msg := []byte("manifest")
	if err := v.Verify(t.Context(), msg, signPKCS1v15(t, newKey, msg)); err != nil {
		t.Fatalf("Verify after rotation: %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("key fetched %d times, want 2", src.calls)
	}

	// the refreshed key stays cached
	if err := v.Verify(t.Context(), msg, signPKCS1v15(t, newKey, msg)); err != nil {
		t.Fatal(err)
	}
	if src.calls != 2 {
		t.Fatalf("key fetched %d times, want 2", src.calls)
	}
}

func TestLegacyVerifier_SecondFailureIsFinal(t *testing.T) {
	trusted := generateTestRSAKey(t)
	attacker := generateTestRSAKey(t)
	src := &keySequence{keys: []crypto.PublicKey{&trusted.PublicKey}}
	v := NewLegacyVerifier(src)

	msg := []byte("manifest")
	if err := v.Verify(t.Context(), msg, signPKCS1v15(t, attacker, msg)); err == nil {
		t.Fatal("expected verification failure")
	}
	if src.calls != 2 {
		t.Fatalf("key fetched %d times, want exactly 2", src.calls)
	}
}

func TestLegacyVerifier_Errors(t *testing.T) {
	if err := NewLegacyVerifier(nil).Verify(t.Context(), []byte("x"), "AAAA"); err == nil {
		t.Fatal("expected error without key source")
	}

	fetchErr := errors.New("kms unavailable")
	v := NewLegacyVerifier(&keySequence{err: fetchErr})
	if err := v.Verify(t.Context(), []byte("x"), "AAAA"); !errors.Is(err, fetchErr) {
		t.Fatalf("err = %v, want wrapped fetch error", err)
	}

	key := generateTestRSAKey(t)
	v = NewLegacyVerifier(&keySequence{keys: []crypto.PublicKey{&key.PublicKey}})
	if err := v.Verify(t.Context(), []byte("x"), "not base64 !!"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestLegacyVerifier_UnsupportedKeyType(t *testing.T) {
	v := NewLegacyVerifier(&keySequence{keys: []crypto.PublicKey{"not a key"}})
	if err := v.Verify(t.Context(), []byte("x"), "AAAA"); err == nil {
		t.Fatal("expected unsupported key error")
	}
}

type fakeKMS struct {
	out *kms.GetPublicKeyOutput
	err error
}

func (f *fakeKMS) GetPublicKey(context.Context, *kms.GetPublicKeyInput, ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	return f.out, f.err
}

func TestKMSKeySource(t *testing.T) {
	key := generateTestECKey(t, elliptic.P256())
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}

	src := &KMSKeySource{client: &fakeKMS{out: &kms.GetPublicKeyOutput{
		KeyUsage:  kmstypes.KeyUsageTypeSignVerify,
		PublicKey: der,
	}}, keyARN: "arn:aws:kms:us-east-2:000000000000:key/test"}
	pub, err := src.FetchPublicKey(t.Context())
	if err != nil {
		t.Fatalf("FetchPublicKey: %v", err)
	}
	if !key.PublicKey.Equal(pub) {
		t.Fatal("returned key does not match")
	}

	src.client = &fakeKMS{out: &kms.GetPublicKeyOutput{
		KeyUsage:  kmstypes.KeyUsageTypeEncryptDecrypt,
		PublicKey: der,
	}}
	if _, err := src.FetchPublicKey(t.Context()); err == nil {
		t.Fatal("expected error for ENCRYPT_DECRYPT key")
	}

	if _, err := (&KMSKeySource{}).FetchPublicKey(t.Context()); err == nil {
		t.Fatal("expected error for missing client")
	}
}

func TestHTTPKeySource(t *testing.T) {
	key := generateTestRSAKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	body := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/key.pem" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Cache-Control") != "no-cache" {
			t.Errorf("Cache-Control = %q", r.Header.Get("Cache-Control"))
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	src := &HTTPKeySource{URL: srv.URL + "/key.pem", Client: srv.Client()}
	pub, err := src.FetchPublicKey(t.Context())
	if err != nil {
		t.Fatalf("FetchPublicKey: %v", err)
	}
	if !key.PublicKey.Equal(pub) {
		t.Fatal("returned key does not match")
	}

	src.URL = srv.URL + "/missing"
	if _, err := src.FetchPublicKey(t.Context()); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestParsePublicKeyPEM_NoBlock(t *testing.T) {
	if _, err := ParsePublicKeyPEM([]byte("garbage")); err == nil {
		t.Fatal("expected error")
	}
}
