package storage

import (
	"context"
	"os"
	"path/filepath"
)

// LocalBackend implements Backend against the local filesystem, used for
// single-node/dev runs (VFLOW_STORAGE_BACKEND=local), mirroring the
// teacher's ArtifactBackend=="local" fallback in worker/internal/config.
type LocalBackend struct {
	Root string
}

func NewLocalBackend(root string) *LocalBackend {
	return &LocalBackend{Root: root}
}

func (b *LocalBackend) resolve(path string) string {
	return filepath.Join(b.Root, filepath.FromSlash(path))
}

func (b *LocalBackend) OpenRead(_ context.Context, path string) (ReadHandle, error) {
	f, err := os.Open(b.resolve(path))
	if err != nil {
		return nil, Permanent(err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Permanent(err)
	}
	return &localReadHandle{f: f, size: fi.Size()}, nil
}

func (b *LocalBackend) OpenWrite(_ context.Context, path string) (WriteHandle, error) {
	full := b.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, classifyOSErr(err)
	}
	f, err := os.Create(full)
	if err != nil {
		return nil, classifyOSErr(err)
	}
	return &localWriteHandle{f: f}, nil
}

func classifyOSErr(err error) error {
	if os.IsPermission(err) {
		return Permanent(err)
	}
	// Disk-full / too-many-open-files style errors are treated as
	// transient; the retry wrapper bounds the blast radius.
	return Transient(err)
}

type localReadHandle struct {
	f    *os.File
	size int64
}

func (h *localReadHandle) Size() int64 { return h.size }
func (h *localReadHandle) ReadAt(dst []byte, pos int64) (int, error) {
	return h.f.ReadAt(dst, pos)
}
func (h *localReadHandle) Close() error { return h.f.Close() }

type localWriteHandle struct {
	f *os.File
}

func (h *localWriteHandle) Write(p []byte) (int, error) {
	n, err := h.f.Write(p)
	if err != nil {
		return n, classifyOSErr(err)
	}
	return n, nil
}

func (h *localWriteHandle) Save() error {
	if err := h.f.Sync(); err != nil {
		return classifyOSErr(err)
	}
	return nil
}

func (h *localWriteHandle) Close() error { return h.f.Close() }
