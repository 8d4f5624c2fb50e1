package updates

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-updates/internal/xerrors"
)

const clientIDFile = "client_id"

// LoadOrCreateClientID returns the installation's stable client id,
// creating and persisting one under dir on first use.
func LoadOrCreateClientID(dir string) (uuid.UUID, error) {
	path := filepath.Join(dir, clientIDFile)
	b, err := os.ReadFile(path)
	if err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(b))); perr == nil {
			return id, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return uuid.Nil, xerrors.Wrap(err, "read client id")
	}

	id := uuid.New()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return uuid.Nil, xerrors.Wrap(err, "create updates dir")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id.String()+"\n"), 0o600); err != nil {
		return uuid.Nil, xerrors.Wrap(err, "write client id")
	}
	if err := os.Rename(tmp, path); err != nil {
		return uuid.Nil, xerrors.Wrap(err, "persist client id")
	}
	return id, nil
}
