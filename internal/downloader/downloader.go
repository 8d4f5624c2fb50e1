// Package downloader is the transport layer between the loader and an
// updates server: it builds manifest and asset requests, parses single and
// multipart responses, verifies signatures, and materializes assets into
// the content-addressed updates directory.
package downloader

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/linnemanlabs-updates/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/log"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
	"github.com/keithlinneman/linnemanlabs-updates/internal/version"
	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

// S3Getter is the part of the S3 API used for s3:// asset urls.
type S3Getter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Observer receives transfer counters. metrics.UpdateMetrics implements it.
type Observer interface {
	ObserveManifestRequest(outcome string, d time.Duration)
	ObserveAssetDownload(outcome string, bytes int64, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveManifestRequest(string, time.Duration)      {}
func (nopObserver) ObserveAssetDownload(string, int64, time.Duration) {}

type Options struct {
	Config   *updates.Config
	ClientID uuid.UUID

	// HTTPClient defaults to an otelhttp-instrumented client.
	HTTPClient *http.Client
	// S3 serves s3://bucket/key asset urls; nil rejects them.
	S3 S3Getter

	// CodeSigning, when set, requires every manifest and directive part to
	// carry a valid expo-signature.
	CodeSigning *cryptoutil.CodeSigningConfig
	// LegacyVerifier checks manifestString envelopes and the
	// expo-manifest-signature header.
	LegacyVerifier *cryptoutil.LegacyVerifier

	RetryAttempts uint
	RetryDelay    time.Duration

	Logger   log.Logger
	Observer Observer
	Now      func() time.Time
}

type Downloader struct {
	cfg         *updates.Config
	clientID    uuid.UUID
	client      *http.Client
	s3          S3Getter
	codeSigning *cryptoutil.CodeSigningConfig
	legacy      *cryptoutil.LegacyVerifier
	attempts    uint
	delay       time.Duration
	logger      log.Logger
	observer    Observer
	now         func() time.Time
	userAgent   string
}

// NewHTTPClient returns the client used for manifest and asset requests.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "updates " + r.Method + " " + r.URL.Host
			}),
		),
	}
}

func New(opts Options) (*Downloader, error) {
	if opts.Config == nil {
		return nil, xerrors.New("downloader: config is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = NewHTTPClient()
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Downloader{
		cfg:         opts.Config,
		clientID:    opts.ClientID,
		client:      opts.HTTPClient,
		s3:          opts.S3,
		codeSigning: opts.CodeSigning,
		legacy:      opts.LegacyVerifier,
		attempts:    opts.RetryAttempts,
		delay:       opts.RetryDelay,
		logger:      opts.Logger,
		observer:    opts.Observer,
		now:         opts.Now,
		userAgent:   version.Get().UserAgent(),
	}, nil
}
