package swap

import (
	"io"
	"sync"
)

/// MemFilesystem is an in-memory Filesystem, grounded in the same
/// need original_source's tests would have had for a disk-free fixture:
/// deterministic, fast, and free of any real filesystem's permission or
/// cleanup quirks. Useful for tests and for cmd/pgsim's scenario runner,
/// which has no real process image to back a swap file with.
type MemFilesystem struct {
	mu    sync.Mutex
	files map[string]*memBuf
}

/// NewMemFilesystem returns an empty in-memory Filesystem.
func NewMemFilesystem() *MemFilesystem {
	return &MemFilesystem{files: make(map[string]*memBuf)}
}

func (m *MemFilesystem) Create(name string) (RawFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := &memBuf{}
	m.files[name] = buf
	return &memHandle{fs: m, name: name, buf: buf}, nil
}

func (m *MemFilesystem) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, name)
	return nil
}

type memBuf struct {
	mu   sync.Mutex
	data []byte
}

/// memHandle implements RawFile over a memBuf, growing it on demand the
/// way a sparse on-disk file would.
type memHandle struct {
	fs   *MemFilesystem
	name string
	buf  *memBuf
}

func (h *memHandle) ReadAt(p []byte, off int64) (int, error) {
	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()
	if off >= int64(len(h.buf.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.buf.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (h *memHandle) WriteAt(p []byte, off int64) (int, error) {
	h.buf.mu.Lock()
	defer h.buf.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(h.buf.data)) {
		grown := make([]byte, end)
		copy(grown, h.buf.data)
		h.buf.data = grown
	}
	copy(h.buf.data[off:end], p)
	return len(p), nil
}

func (h *memHandle) Close() error {
	return nil
}
