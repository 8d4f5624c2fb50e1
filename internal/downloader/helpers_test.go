package downloader

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

func testConfig(t *testing.T, updateURL string) *updates.Config {
	t.Helper()
	u, err := url.Parse(updateURL)
	require.NoError(t, err)
	return &updates.Config{
		UpdateURL:      u,
		ScopeKey:       "@acme/app",
		RuntimeVersion: "1.0.0",
		Platform:       "linux",
		LaunchWait:     time.Second,
		UpdatesDir:     t.TempDir(),
	}
}

func newTestDownloader(t *testing.T, cfg *updates.Config, mutate func(*Options)) *Downloader {
	t.Helper()
	opts := Options{
		Config:     cfg,
		ClientID:   uuid.MustParse("6b0f3e2a-8f4e-4a44-9c1d-8d2a8c1c7f10"),
		RetryDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := New(opts)
	require.NoError(t, err)
	return d
}

// manifestBody builds a valid manifest; mutate edits the decoded form.
func manifestBody(t *testing.T, id uuid.UUID, mutate func(m map[string]any)) []byte {
	t.Helper()
	m := map[string]any{
		"id":             id.String(),
		"createdAt":      "2026-03-01T12:00:00.000Z",
		"runtimeVersion": "1.0.0",
		"launchAsset": map[string]any{
			"key":         "bundle-" + id.String()[:8],
			"contentType": "application/javascript",
			"url":         "https://cdn.example.com/bundle.js",
		},
		"assets":   []any{},
		"metadata": map[string]any{"branch": "main"},
		"extra": map[string]any{
			"scopeKey": "@acme/app",
			"eas":      map[string]any{"projectId": "proj-1"},
		},
	}
	if mutate != nil {
		mutate(m)
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return b
}

type part struct {
	name      string
	body      []byte
	signature string
}

func multipartBody(t *testing.T, parts ...part) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Disposition", fmt.Sprintf(`inline; name="%s"`, p.name))
		h.Set("Content-Type", "application/json")
		if p.signature != "" {
			h.Set("expo-signature", p.signature)
		}
		pw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = pw.Write(p.body)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes(), w.Boundary()
}

type signer struct {
	key     *rsa.PrivateKey
	certPEM []byte
}

// newSigner creates a self-signed code signing certificate, optionally
// scoped to a project with "projectId,scopeKey".
func newSigner(t *testing.T, projectInfo string) *signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: "updates code signing"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if projectInfo != "" {
		oid := []int{1, 2, 840, 113556, 1, 8000, 2554, 43437, 254, 128, 102, 157, 7894389, 20439, 2, 1}
		tmpl.ExtraExtensions = []pkix.Extension{{Id: oid, Value: []byte(projectInfo)}}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &signer{key: key, certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})}
}

func (s *signer) raw(t *testing.T, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func (s *signer) header(t *testing.T, body []byte) string {
	return fmt.Sprintf(`sig="%s", keyid="root"`, s.raw(t, body))
}
