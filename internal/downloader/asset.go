package downloader

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

// ProgressFunc reports bytes read so far and the expected total, which is
// -1 when the server did not send a length.
type ProgressFunc func(read, total int64)

// DownloadAsset materializes a into the updates directory under its
// content-addressed filename. It reports existed when the file was already
// on disk, in which case nothing is fetched. On success a.RelativePath,
// a.ContentHash and a.DownloadTime are set.
func (d *Downloader) DownloadAsset(ctx context.Context, a *updates.Asset, updateID uuid.UUID, progress ProgressFunc) (existed bool, err error) {
	op := "download asset " + a.Key
	filename := a.Filename()
	path, err := pathutil.Join(d.cfg.UpdatesDir, filename)
	if err != nil {
		return false, updates.E(updates.KindProtocol, updates.CodeFileWrite, op, err)
	}

	if _, err := os.Stat(path); err == nil {
		a.RelativePath = filename
		if a.ContentHash == "" {
			if a.ExpectedHash != "" {
				a.ContentHash = cryptoutil.NormalizeBase64URL(a.ExpectedHash)
			} else if a.ContentHash, err = cryptoutil.FileSHA256Base64URL(path); err != nil {
				return false, updates.E(updates.KindTransport, updates.CodeFileWrite, op, err)
			}
		}
		if a.DownloadTime.IsZero() {
			a.DownloadTime = d.now().UTC()
		}
		return true, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, updates.E(updates.KindTransport, updates.CodeFileWrite, op, err)
	}

	if a.URL == "" {
		return false, updates.Errorf(updates.KindProtocol, updates.CodeInvalidResponse, op, "asset has no url")
	}

	start := time.Now()
	var written int64
	err = retry.Do(
		func() error {
			var err error
			written, err = d.fetchToFile(ctx, a, updateID, path, progress)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return updates.IsRetryable(err) && !clientError(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Warn(ctx, "asset download failed, retrying", "asset", a.Key, "attempt", n+1, "err", err.Error())
		}),
	)
	if err != nil {
		d.observer.ObserveAssetDownload(updates.KindOf(err).String(), 0, time.Since(start))
		if updates.KindOf(err) == 0 {
			// context cancellation surfaces unwrapped from the retry loop
			err = updates.E(updates.KindTransport, updates.CodeUnknown, op, err)
		}
		return false, err
	}
	d.observer.ObserveAssetDownload("ok", written, time.Since(start))

	a.RelativePath = filename
	a.DownloadTime = d.now().UTC()
	return false, nil
}

// fetchToFile makes one attempt: stream into a temp file next to path,
// check the hash, rename into place.
func (d *Downloader) fetchToFile(ctx context.Context, a *updates.Asset, updateID uuid.UUID, path string, progress ProgressFunc) (int64, error) {
	op := "download asset " + a.Key
	body, total, err := d.openAsset(ctx, a, updateID)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	var r io.Reader = body
	if progress != nil {
		r = &progressReader{r: body, total: total, fn: progress}
	}
	n, sum, err := cryptoutil.WriteFileVerified(path, r, a.ExpectedHash)
	if errors.Is(err, cryptoutil.ErrHashMismatch) {
		return 0, updates.E(updates.KindIntegrity, updates.CodeFileHashMismatch, op, err)
	}
	if err != nil {
		return 0, updates.E(updates.KindTransport, updates.CodeFileWrite, op, err)
	}
	a.ContentHash = sum
	return n, nil
}

func (d *Downloader) openAsset(ctx context.Context, a *updates.Asset, updateID uuid.UUID) (io.ReadCloser, int64, error) {
	op := "download asset " + a.Key
	u, err := url.Parse(a.URL)
	if err != nil {
		return nil, 0, updates.E(updates.KindProtocol, updates.CodeInvalidResponse, op, err)
	}

	if u.Scheme == "s3" {
		if d.s3 == nil {
			return nil, 0, updates.Errorf(updates.KindProtocol, updates.CodeInvalidResponse, op, "s3 asset url but no S3 client configured")
		}
		out, err := d.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.Host),
			Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
		})
		if err != nil {
			return nil, 0, updates.E(updates.KindTransport, updates.CodeUnknown, op, err)
		}
		total := int64(-1)
		if out.ContentLength != nil {
			total = *out.ContentLength
		}
		return out.Body, total, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.URL, nil)
	if err != nil {
		return nil, 0, updates.E(updates.KindProtocol, updates.CodeInvalidResponse, op, err)
	}
	req.Header = d.AssetRequestHeaders(a, updateID)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, 0, updates.E(updates.KindTransport, updates.CodeUnknown, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, 0, updates.E(updates.KindTransport, updates.CodeUnknown, op,
			&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))})
	}
	return resp.Body, resp.ContentLength, nil
}

type progressReader struct {
	r     io.Reader
	read  int64
	total int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.fn(p.read, p.total)
	}
	return n, err
}
