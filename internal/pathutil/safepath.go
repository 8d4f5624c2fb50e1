package pathutil

import (
	"path/filepath"
	"strings"

	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Join resolves rel (a relative_path from the database or a manifest
// supplied filename) under dir, rejecting anything that could escape it.
func Join(dir, rel string) (string, error) {
	if rel == "" {
		return "", xerrors.New("empty relative path")
	}
	if strings.ContainsAny(rel, "\\\x00") || strings.HasPrefix(rel, "/") || HasDotSegments(rel) {
		return "", xerrors.Newf("unsafe relative path %q", rel)
	}
	return filepath.Join(dir, filepath.FromSlash(rel)), nil
}

// CleanExtension normalizes a manifest file extension to ".ext" or "".
func CleanExtension(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" || strings.ContainsAny(ext, "/\\\x00") {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if ext == "." || HasDotSegments(ext) {
		return ""
	}
	return ext
}
