package cryptoutil

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"time"

	"github.com/dunglas/httpsfv"

	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

const (
	DefaultCodeSigningKeyID = "root"
	CodeSigningAlgRSASHA256 = "rsa-v1_5-sha256"
)

// projectInformationOID marks a certificate as scoped to one project. Its
// raw value is "<projectId>,<scopeKey>".
var projectInformationOID = asn1.ObjectIdentifier{1, 2, 840, 113556, 1, 8000, 2554, 43437, 254, 128, 102, 157, 7894389, 20439, 2, 1}

type SignatureResult int

const (
	SignatureValid SignatureResult = iota + 1
	SignatureInvalid
	SignatureSkipped
)

func (r SignatureResult) String() string {
	switch r {
	case SignatureValid:
		return "valid"
	case SignatureInvalid:
		return "invalid"
	case SignatureSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

type ProjectInformation struct {
	ProjectID string
	ScopeKey  string
}

// Matches reports whether the signed body belongs to this project.
func (p ProjectInformation) Matches(projectID, scopeKey string) bool {
	return p.ProjectID == projectID && p.ScopeKey == scopeKey
}

// SignatureValidation is the outcome of checking one response part. A nil
// ProjectInformation means the signing certificate is not project scoped.
type SignatureValidation struct {
	Result             SignatureResult
	ProjectInformation *ProjectInformation
}

type CodeSigningOptions struct {
	KeyID string
	Alg   string

	// IncludeManifestResponseCertificateChain verifies signatures against a
	// leaf delivered in the certificate_chain part, chained to the root.
	IncludeManifestResponseCertificateChain bool

	// AllowUnsignedManifests skips validation when no signature header is sent.
	AllowUnsignedManifests bool

	// Now overrides the clock used for certificate validity. Tests only.
	Now func() time.Time
}

// CodeSigningConfig holds the trusted root certificate and signing policy.
type CodeSigningConfig struct {
	root *x509.Certificate
	opts CodeSigningOptions
}

func NewCodeSigningConfig(rootPEM []byte, opts CodeSigningOptions) (*CodeSigningConfig, error) {
	certs, err := ParseCertificatesPEM(rootPEM)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse code signing certificate")
	}
	if len(certs) != 1 {
		return nil, xerrors.Newf("expected one code signing certificate, found %d", len(certs))
	}
	if opts.KeyID == "" {
		opts.KeyID = DefaultCodeSigningKeyID
	}
	if opts.Alg == "" {
		opts.Alg = CodeSigningAlgRSASHA256
	}
	if opts.Alg != CodeSigningAlgRSASHA256 {
		return nil, xerrors.Newf("unsupported code signing algorithm %q", opts.Alg)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CodeSigningConfig{root: certs[0], opts: opts}, nil
}

// AcceptSignatureHeader renders the expo-expect-signature request header.
func (c *CodeSigningConfig) AcceptSignatureHeader() (string, error) {
	dict := httpsfv.NewDictionary()
	dict.Add("sig", httpsfv.NewItem(true))
	dict.Add("keyid", httpsfv.NewItem(c.opts.KeyID))
	dict.Add("alg", httpsfv.NewItem(c.opts.Alg))
	return httpsfv.Marshal(dict)
}

// ValidateSignature checks the expo-signature header of one part against its
// body. chainPEM is the certificate_chain part, leaf first; it is ignored
// unless the chain option is enabled. A cryptographic mismatch is reported
// as SignatureInvalid; malformed input and untrusted certificates are errors.
func (c *CodeSigningConfig) ValidateSignature(sigHeader string, body, chainPEM []byte) (SignatureValidation, error) {
	if strings.TrimSpace(sigHeader) == "" {
		if c.opts.AllowUnsignedManifests {
			return SignatureValidation{Result: SignatureSkipped}, nil
		}
		return SignatureValidation{}, xerrors.New("no expo-signature header in response")
	}

	sig, keyID, alg, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return SignatureValidation{}, err
	}
	if keyID != c.opts.KeyID {
		return SignatureValidation{}, xerrors.Newf("key with keyid=%s from signature not found in client configuration", keyID)
	}
	if alg != c.opts.Alg {
		return SignatureValidation{}, xerrors.Newf("signature algorithm %s does not match client configuration %s", alg, c.opts.Alg)
	}

	leaf, err := c.signingCertificate(chainPEM)
	if err != nil {
		return SignatureValidation{}, err
	}
	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return SignatureValidation{}, xerrors.Newf("code signing certificate key is %T, expected RSA", leaf.PublicKey)
	}

	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return SignatureValidation{Result: SignatureInvalid}, nil
	}

	info, err := projectInformation(leaf)
	if err != nil {
		return SignatureValidation{}, err
	}
	return SignatureValidation{Result: SignatureValid, ProjectInformation: info}, nil
}

func parseSignatureHeader(header string) (sig []byte, keyID, alg string, err error) {
	dict, err := httpsfv.UnmarshalDictionary([]string{header})
	if err != nil {
		return nil, "", "", xerrors.Wrap(err, "parse expo-signature header")
	}

	member, ok := dict.Get("sig")
	if !ok {
		return nil, "", "", xerrors.New("no sig in expo-signature header")
	}
	encoded, ok := itemString(member)
	if !ok {
		return nil, "", "", xerrors.New("sig in expo-signature header is not a string")
	}
	sig, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", "", xerrors.Wrap(err, "decode signature")
	}

	keyID, alg = DefaultCodeSigningKeyID, CodeSigningAlgRSASHA256
	if m, ok := dict.Get("keyid"); ok {
		if s, ok := itemString(m); ok {
			keyID = s
		}
	}
	if m, ok := dict.Get("alg"); ok {
		if s, ok := itemString(m); ok {
			alg = s
		}
	}
	return sig, keyID, alg, nil
}

func itemString(m httpsfv.Member) (string, bool) {
	item, ok := m.(httpsfv.Item)
	if !ok {
		return "", false
	}
	switch v := item.Value.(type) {
	case string:
		return v, true
	case httpsfv.Token:
		return string(v), true
	}
	return "", false
}

func (c *CodeSigningConfig) signingCertificate(chainPEM []byte) (*x509.Certificate, error) {
	now := c.opts.Now()
	if !c.opts.IncludeManifestResponseCertificateChain {
		if err := checkCodeSigningCertificate(c.root, now); err != nil {
			return nil, err
		}
		return c.root, nil
	}

	chain, err := ParseCertificatesPEM(chainPEM)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse certificate chain")
	}
	if len(chain) == 0 {
		return nil, xerrors.New("certificate chain is empty")
	}
	leaf := chain[0]
	if err := checkCodeSigningCertificate(leaf, now); err != nil {
		return nil, err
	}

	roots := x509.NewCertPool()
	roots.AddCert(c.root)
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
	}); err != nil {
		return nil, xerrors.Wrap(err, "verify certificate chain")
	}
	return leaf, nil
}

func checkCodeSigningCertificate(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return xerrors.Newf("code signing certificate %q is not valid at %s", cert.Subject.CommonName, now.UTC().Format(time.RFC3339))
	}
	if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return xerrors.Newf("code signing certificate %q lacks digitalSignature key usage", cert.Subject.CommonName)
	}
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageCodeSigning {
			return nil
		}
	}
	return xerrors.Newf("code signing certificate %q lacks codeSigning extended key usage", cert.Subject.CommonName)
}

func projectInformation(cert *x509.Certificate) (*ProjectInformation, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(projectInformationOID) {
			continue
		}
		projectID, scopeKey, ok := strings.Cut(string(ext.Value), ",")
		if !ok || projectID == "" || scopeKey == "" || strings.Contains(scopeKey, ",") {
			return nil, xerrors.New("malformed project information in code signing certificate")
		}
		return &ProjectInformation{ProjectID: projectID, ScopeKey: scopeKey}, nil
	}
	return nil, nil
}

// ParseCertificatesPEM parses every CERTIFICATE block in data, in order.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "parse certificate")
		}
		certs = append(certs, cert)
	}
	return certs, nil
}
