package swap

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/biscuit-vm/vmpage/internal/defs"
	"github.com/biscuit-vm/vmpage/internal/mem"
)

/// RawFile is the minimal file handle Filesystem hands back: random-access
/// byte I/O plus Close, modeling xv6's ilock'd inode reads/writes.
type RawFile interface {
	io.ReaderAt
	io.WriterAt
	Close() error
}

/// Filesystem is the collaborator create_swap_file/delete_swap_file talk
/// to — §4.5 names it only informally ("the FS"); here it is a narrow
/// interface so tests can supply an in-memory fake instead of touching
/// disk.
type Filesystem interface {
	Create(name string) (RawFile, error)
	Remove(name string) error
}

/// OSFilesystem implements Filesystem against real files under BaseDir,
/// the default backing store for a process's swap file.
type OSFilesystem struct {
	BaseDir string
}

func (fs OSFilesystem) Create(name string) (RawFile, error) {
	if err := os.MkdirAll(fs.BaseDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(fs.BaseDir, name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (fs OSFilesystem) Remove(name string) error {
	err := os.Remove(filepath.Join(fs.BaseDir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

/// SwapName derives the deterministic per-process swap file name (§4.5,
/// §6: "/pgswp<PID>").
func SwapName(pid defs.Pid_t) string {
	return fmt.Sprintf("pgswp%d", pid)
}

/// File is a process's private swap file: one page-sized slot at byte
/// offset slot*PGSIZE, no header, the in-memory Bitmap is authoritative.
/// The mutex stands in for xv6's begin_op/end_op transaction bracket plus
/// the inode lock held across each I/O.
type File struct {
	mu   sync.Mutex
	raw  RawFile
	fs   Filesystem
	name string
}

/// Open lazily creates (or truncates) the swap file for pid. At most one
/// swap file exists per process for its lifetime.
func Open(fsys Filesystem, pid defs.Pid_t) (*File, error) {
	name := SwapName(pid)
	raw, err := fsys.Create(name)
	if err != nil {
		return nil, errors.Wrapf(err, "swap: create %s", name)
	}
	return &File{raw: raw, fs: fsys, name: name}, nil
}

/// WritePage writes exactly PGSIZE bytes from frame to file offset
/// slot*PGSIZE. A short write leaves the slot allocated in the caller's
/// bitmap and is reported as defs.EIO so the caller can terminate the
/// process.
func (f *File) WritePage(slot int, frame *mem.Frame) defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := int64(slot) * int64(mem.PGSIZE)
	n, err := f.raw.WriteAt(frame[:], off)
	if err != nil || n != mem.PGSIZE {
		return defs.EIO
	}
	return 0
}

/// ReadPage reads exactly PGSIZE bytes from file offset slot*PGSIZE into
/// frame. A short read is reported as defs.EIO.
func (f *File) ReadPage(slot int, frame *mem.Frame) defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := int64(slot) * int64(mem.PGSIZE)
	n, err := f.raw.ReadAt(frame[:], off)
	if (err != nil && err != io.EOF) || n != mem.PGSIZE {
		return defs.EIO
	}
	return 0
}

/// Destroy unlinks the swap file and releases the handle. It is safe to
/// call on an already-destroyed (or never-opened, via a nil *File) swap
/// file — L5's idempotent-cleanup law.
func (f *File) Destroy() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raw == nil {
		return nil
	}
	closeErr := f.raw.Close()
	f.raw = nil
	if err := f.fs.Remove(f.name); err != nil {
		return errors.Wrapf(err, "swap: remove %s", f.name)
	}
	return closeErr
}
