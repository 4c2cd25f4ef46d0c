// Package storage provisions the per-peer working directories of a
// simulation on top of an afero filesystem.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
)

// ErrStorageConflict is returned when the pool path exists but is not a
// directory.
var ErrStorageConflict = errors.New("storage path exists and is not a directory")

// Pool owns a working area under root with one sub-directory per peer.
type Pool struct {
	fs   afero.Fs
	root string
}

// NewPool returns a pool rooted at root on fs. A nil fs selects the
// operating-system filesystem.
func NewPool(fs afero.Fs, root string) *Pool {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Pool{fs: fs, root: filepath.Clean(root)}
}

// NewMemPool returns a pool backed by an in-memory filesystem.
func NewMemPool() *Pool {
	return NewPool(afero.NewMemMapFs(), "/pool")
}

// Root returns the pool directory.
func (p *Pool) Root() string { return p.root }

// Fs returns the underlying filesystem.
func (p *Pool) Fs() afero.Fs { return p.fs }

// Prepare makes sure the pool directory exists. created reports whether it
// had to be created; an existing directory is reused.
func (p *Pool) Prepare() (created bool, err error) {
	info, err := p.fs.Stat(p.root)
	switch {
	case err == nil:
		if !info.IsDir() {
			return false, fmt.Errorf("%s: %w", p.root, ErrStorageConflict)
		}
		return false, nil
	case errors.Is(err, os.ErrNotExist):
		if err := p.fs.MkdirAll(p.root, 0o755); err != nil {
			return false, fmt.Errorf("create storage pool %s: %w", p.root, err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("stat storage pool %s: %w", p.root, err)
	}
}

// Path returns the directory reserved for peer id.
func (p *Pool) Path(id uint64) string {
	return filepath.Join(p.root, strconv.FormatUint(id, 10))
}

// ForPeer returns a filesystem namespaced to peer id's directory. Any state
// left from a previous run is removed first.
func (p *Pool) ForPeer(id uint64) (afero.Fs, error) {
	dir := p.Path(id)
	if err := p.fs.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("reset storage for peer %d: %w", id, err)
	}
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage for peer %d: %w", id, err)
	}
	return afero.NewBasePathFs(p.fs, dir), nil
}

// Teardown removes the whole working area.
func (p *Pool) Teardown() error {
	if err := p.fs.RemoveAll(p.root); err != nil {
		return fmt.Errorf("remove storage pool %s: %w", p.root, err)
	}
	return nil
}
