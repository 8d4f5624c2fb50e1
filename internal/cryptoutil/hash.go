package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// HashEqual performs constant-time comparison of two encoded hashes.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Base64URL computes the SHA-256 hash of data in unpadded base64url,
// the encoding manifests use for asset hashes.
func SHA256Base64URL(data []byte) string {
	h := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// CopyWithHash copies src to dst while hashing, returning bytes written and
// the base64url SHA-256 of the stream.
func CopyWithHash(dst io.Writer, src io.Reader) (int64, string, error) {
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(dst, h), src)
	if err != nil {
		return n, "", err
	}
	return n, base64.RawURLEncoding.EncodeToString(h.Sum(nil)), nil
}

// FileSHA256Base64URL hashes the file at path.
func FileSHA256Base64URL(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, sum, err := CopyWithHash(io.Discard, f)
	return sum, err
}

// NormalizeBase64URL strips padding so hashes from manifests that pad
// compare equal to computed ones.
func NormalizeBase64URL(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

// ErrHashMismatch is returned by WriteFileVerified when the content does not
// hash to the expected value.
var ErrHashMismatch = errors.New("file hash mismatch")

// WriteFileVerified streams src into a temp file in the directory of dst,
// hashing as it goes, and renames it to dst only when the hash matches
// expected (unchecked when expected is empty). The temp file never survives
// a failure. It returns the bytes written and the computed hash.
func WriteFileVerified(dst string, src io.Reader, expected string) (int64, string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return 0, "", err
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	n, sum, err := CopyWithHash(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, "", err
	}
	if expected != "" && !HashEqual(NormalizeBase64URL(expected), sum) {
		return 0, sum, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, expected, sum)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return 0, "", err
	}
	keep = true
	return n, sum, nil
}
