package loader

import (
	"bytes"
	"context"
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
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/db"
	"github.com/keithlinneman/linnemanlabs-updates/internal/downloader"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

type testAsset struct {
	key     string
	content string
}

func (a testAsset) hash() string { return cryptoutil.SHA256Base64URL([]byte(a.content)) }

// filename is where the asset lands in the updates directory.
func (a testAsset) filename() string { return a.hash() + ".js" }

type responsePart struct {
	name      string
	body      []byte
	signature string
}

// updateServer serves one configurable manifest response and asset files,
// counting requests per path.
type updateServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	hits      map[string]int
	assets    map[string]string
	body      []byte
	boundary  string
	header    http.Header
	delay     time.Duration
	gate      chan struct{}
	status    int
	onAsset   func(key string) int
	lastHeads http.Header
}

func newUpdateServer(t *testing.T) *updateServer {
	t.Helper()
	s := &updateServer{hits: map[string]int{}, assets: map[string]string{}}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *updateServer) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	body, boundary, header, delay, gate, status, onAsset := s.body, s.boundary, s.header, s.delay, s.gate, s.status, s.onAsset
	if r.URL.Path == "/manifest" {
		s.lastHeads = r.Header.Clone()
	}
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/manifest":
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		for k, vs := range header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set("expo-protocol-version", "1")
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "multipart/mixed; boundary="+boundary)
		_, _ = w.Write(body)

	case strings.HasPrefix(r.URL.Path, "/assets/"):
		key := strings.TrimPrefix(r.URL.Path, "/assets/")
		if onAsset != nil {
			if code := onAsset(key); code != 0 {
				w.WriteHeader(code)
				return
			}
		}
		s.mu.Lock()
		content, ok := s.assets[key]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(content))

	default:
		http.NotFound(w, r)
	}
}

func (s *updateServer) url(path string) string { return s.srv.URL + path }

func (s *updateServer) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *updateServer) requestHeaders() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeads
}

// respond sets the multipart parts of the manifest response; no parts
// serves an empty multipart body.
func (s *updateServer) respond(t *testing.T, parts ...responsePart) {
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
		if err != nil {
			t.Fatal(err)
		}
		if _, err := pw.Write(p.body); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	body := buf.Bytes()
	if len(parts) == 0 {
		body = nil
	}
	s.mu.Lock()
	s.body, s.boundary, s.status = body, w.Boundary(), 0
	s.mu.Unlock()
}

// serveUpdate publishes a manifest for id and its assets; the first asset
// is the launch asset.
func (s *updateServer) serveUpdate(t *testing.T, id uuid.UUID, createdAt time.Time, assets ...testAsset) []byte {
	t.Helper()
	m := s.manifest(t, id, createdAt, nil, assets...)
	s.respond(t, responsePart{name: "manifest", body: m})
	return m
}

func (s *updateServer) manifest(t *testing.T, id uuid.UUID, createdAt time.Time, mutate func(map[string]any), assets ...testAsset) []byte {
	t.Helper()
	entry := func(a testAsset) map[string]any {
		s.mu.Lock()
		s.assets[a.key] = a.content
		s.mu.Unlock()
		return map[string]any{
			"key":           a.key,
			"contentType":   "application/javascript",
			"fileExtension": ".js",
			"url":           s.url("/assets/" + a.key),
			"hash":          a.hash(),
		}
	}
	var rest []any
	for _, a := range assets[1:] {
		rest = append(rest, entry(a))
	}
	m := map[string]any{
		"id":             id.String(),
		"createdAt":      createdAt.UTC().Format(time.RFC3339Nano),
		"runtimeVersion": "1.0.0",
		"launchAsset":    entry(assets[0]),
		"assets":         rest,
		"metadata":       map[string]any{"branch": "main"},
		"extra":          map[string]any{"scopeKey": "@acme/app"},
	}
	if mutate != nil {
		mutate(m)
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (s *updateServer) serveDirective(t *testing.T, typ string, commitTime time.Time) {
	t.Helper()
	d := map[string]any{"type": typ}
	if !commitTime.IsZero() {
		d["parameters"] = map[string]any{"commitTime": commitTime.UTC().Format(time.RFC3339Nano)}
	}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	s.respond(t, responsePart{name: "directive", body: b})
}

type env struct {
	cfg *updates.Config
	db  *db.Database
	srv *updateServer
	dl  *downloader.Downloader
}

func newEnv(t *testing.T, mutate func(*downloader.Options)) *env {
	t.Helper()
	srv := newUpdateServer(t)
	dir := t.TempDir()
	u, err := url.Parse(srv.url("/manifest"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := &updates.Config{
		UpdateURL:      u,
		ScopeKey:       "@acme/app",
		RuntimeVersion: "1.0.0",
		Platform:       "linux",
		LaunchWait:     time.Second,
		CheckOnLaunch:  updates.CheckAlways,
		UpdatesDir:     dir,
	}
	d, err := db.Open(t.Context(), filepath.Join(dir, db.FileName), db.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	opts := downloader.Options{
		Config:     cfg,
		ClientID:   uuid.MustParse("6b0f3e2a-8f4e-4a44-9c1d-8d2a8c1c7f10"),
		HTTPClient: srv.srv.Client(),
		RetryDelay: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	dl, err := downloader.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return &env{cfg: cfg, db: d, srv: srv, dl: dl}
}

func (e *env) options() Options {
	return Options{Database: e.db, Config: e.cfg}
}

func (e *env) remoteLoader() *Loader {
	return NewRemoteLoader(e.dl, e.options())
}

func (e *env) exists(name string) bool {
	_, err := os.Stat(filepath.Join(e.cfg.UpdatesDir, name))
	return err == nil
}

func (e *env) status(t *testing.T, id uuid.UUID) updates.Status {
	t.Helper()
	u, err := e.db.UpdateByID(t.Context(), id)
	if err != nil {
		t.Fatalf("UpdateByID %s: %v", id, err)
	}
	return u.Status
}

// codeSigningCert returns a self-signed code signing root and its key.
func codeSigningCert(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
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
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), key
}

func signatureHeader(t *testing.T, key *rsa.PrivateKey, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf(`sig="%s", keyid="root"`, base64.StdEncoding.EncodeToString(sig))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(ctx context.Context, d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
	return cond()
}
