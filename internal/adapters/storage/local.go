// Package storage persists recordings and diagnostic dumps.
package storage

import (
	"context"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"

	"github.com/dkeye/Recorder/internal/core"
)

// Local keeps objects in a directory and serves them under BaseURL. Meta
// is only logged; a plain directory has nowhere to keep it.
type Local struct {
	fs      afero.Fs
	dir     string
	baseURL string
}

func NewLocal(fs afero.Fs, dir, baseURL string) *Local {
	return &Local{fs: fs, dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (l *Local) Store(ctx context.Context, data []byte, key string, meta map[string]string) (core.StoredObject, error) {
	if err := ctx.Err(); err != nil {
		return core.StoredObject{}, err
	}
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != key {
		return core.StoredObject{}, errors.Errorf("invalid key %q", key)
	}
	p := filepath.Join(l.dir, filepath.FromSlash(clean))
	if err := l.fs.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return core.StoredObject{}, errors.Wrap(err, "create dir")
	}
	if err := afero.WriteFile(l.fs, p, data, 0o644); err != nil {
		return core.StoredObject{}, errors.Wrap(err, "write object")
	}
	fi, err := l.fs.Stat(p)
	if err != nil {
		return core.StoredObject{}, errors.Wrap(err, "stat object")
	}
	url := l.baseURL + "/" + clean
	log.Debug().Str("module", "storage.local").Str("key", key).Int64("size", fi.Size()).
		Interface("meta", meta).Msg("stored")
	return core.StoredObject{Key: key, Size: fi.Size(), URL: url, SignedURL: url}, nil
}

// FileSystem serves the stored objects over HTTP.
func (l *Local) FileSystem() http.FileSystem {
	return afero.NewHttpFs(afero.NewBasePathFs(l.fs, l.dir)).Dir("/")
}
