// Package embedded exposes the update shipped inside the binary: its
// manifest and the asset files it names, copied into the updates directory
// on demand.
package embedded

import (
	"embed"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/keithlinneman/linnemanlabs-updates/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-updates/internal/updates"
)

//go:embed app
var appFS embed.FS

// ManifestFile is the manifest's name at the package root.
const ManifestFile = "app.manifest"

// Package is a read-only app package.
type Package struct {
	fsys fs.FS
}

// New wraps fsys, which must hold ManifestFile at its root.
func New(fsys fs.FS) *Package {
	return &Package{fsys: fsys}
}

// Default returns the package compiled into the binary.
func Default() *Package {
	sub, err := fs.Sub(appFS, "app")
	if err != nil {
		// fs.Sub only fails on an invalid path literal
		panic(err)
	}
	return New(sub)
}

// Update parses the embedded manifest. Each call returns a fresh Update the
// caller may mutate.
func (p *Package) Update(scopeKey string) (*updates.Update, error) {
	body, err := fs.ReadFile(p.fsys, ManifestFile)
	if err != nil {
		return nil, updates.E(updates.KindCorruption, updates.CodeEmbeddedAssetMissing, "read embedded manifest", err)
	}
	return updates.ParseManifest(body, updates.ManifestOptions{ScopeKey: scopeKey, Embedded: true})
}

// Has reports whether the package contains name.
func (p *Package) Has(name string) bool {
	if name == "" {
		return false
	}
	_, err := fs.Stat(p.fsys, name)
	return err == nil
}

// CopyAsset copies the asset's embedded file into dir under its
// content-addressed name, reporting existed when the file was already
// there. A file the manifest names but the package lacks means a broken
// build and is not retryable.
func (p *Package) CopyAsset(a *updates.Asset, dir string) (existed bool, err error) {
	op := "copy embedded asset " + a.Key
	filename := a.Filename()
	dst, err := pathutil.Join(dir, filename)
	if err != nil {
		return false, updates.E(updates.KindProtocol, updates.CodeFileWrite, op, err)
	}

	if _, err := os.Stat(dst); err == nil {
		a.RelativePath = filename
		if a.ExpectedHash != "" {
			a.ContentHash = cryptoutil.NormalizeBase64URL(a.ExpectedHash)
		} else if a.ContentHash, err = cryptoutil.FileSHA256Base64URL(dst); err != nil {
			return false, updates.E(updates.KindTransport, updates.CodeFileWrite, op, err)
		}
		return true, nil
	}

	if !p.Has(a.EmbeddedAssetFilename) {
		return false, updates.Errorf(updates.KindCorruption, updates.CodeEmbeddedAssetMissing, op,
			"embedded file %q is missing from the app package", a.EmbeddedAssetFilename)
	}
	src, err := p.fsys.Open(a.EmbeddedAssetFilename)
	if err != nil {
		return false, updates.E(updates.KindCorruption, updates.CodeEmbeddedAssetMissing, op, err)
	}
	defer src.Close()

	_, sum, err := cryptoutil.WriteFileVerified(dst, src, a.ExpectedHash)
	if errors.Is(err, cryptoutil.ErrHashMismatch) {
		return false, updates.E(updates.KindCorruption, updates.CodeFileHashMismatch, op, err)
	}
	if err != nil {
		return false, updates.E(updates.KindTransport, updates.CodeFileWrite, op, err)
	}
	a.RelativePath = filename
	a.ContentHash = sum
	a.DownloadTime = time.Now().UTC()
	return false, nil
}
