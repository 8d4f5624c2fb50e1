package cryptoutil

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"

	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

const maxPublicKeyBytes = 64 << 10

// HTTPKeySource fetches a PEM public key from a URL.
type HTTPKeySource struct {
	URL    string
	Client *http.Client
}

func (s *HTTPKeySource) FetchPublicKey(ctx context.Context) (crypto.PublicKey, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, xerrors.Wrap(err, "build public key request")
	}
	// the whole point of a refetch is to miss caches
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Wrapf(err, "get %s", s.URL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Newf("get %s: status %d", s.URL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPublicKeyBytes))
	if err != nil {
		return nil, xerrors.Wrap(err, "read public key")
	}
	return ParsePublicKeyPEM(body)
}

// ParsePublicKeyPEM parses the first PUBLIC KEY block in data.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, xerrors.New("no PUBLIC KEY block found")
		}
		if block.Type != "PUBLIC KEY" {
			continue
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "parse public key")
		}
		return pub, nil
	}
}
