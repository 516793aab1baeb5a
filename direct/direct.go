// Package direct implements the direct-file store described in
// spec.md §3/§4.C: one regular file per large payload, named by composite
// id, optionally xattr-tagged with its MIME type.
package direct

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ringboard/ringboard/mimetype"
)

var (
	swapFallbackOnce sync.Once
	logger           *zap.SugaredLogger
)

// SetLogger installs the logger used to report the RENAME_EXCHANGE
// fallback warning. Safe to leave unset in tests; the warning is then
// simply not logged.
func SetLogger(l *zap.SugaredLogger) { logger = l }

// NameLen is the width of a zero-padded decimal composite-id filename.
// 13 decimal digits comfortably covers the 40-bit id space used by the
// largest ring kind at its maximum index.
const NameLen = 13

const xattrName = "user.mime_type"

// Store manages the direct-entry directory.
type Store struct {
	dir string
}

// Open ensures dir exists and returns a handle to it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("direct: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// FileName formats the on-disk name for a composite id.
func FileName(id uint64) string {
	return fmt.Sprintf("%0*d", NameLen, id)
}

func (s *Store) path(id uint64) string {
	return filepath.Join(s.dir, FileName(id))
}

// Alloc copies all of src into a new direct entry named after id. The
// file is first created anonymously (O_TMPFILE) and only linked into the
// directory once fully written, so a crash mid-copy never leaves a
// partially-written file visible under its final name. If mime is
// non-empty and not recognized as plain text, it is attached as the
// user.mime_type xattr.
func (s *Store) Alloc(src *os.File, id uint64, mime mimetype.Type) (err error) {
	tmp, err := openTemp(s.dir)
	if err != nil {
		return err
	}
	defer tmp.Close()

	if _, err := copyAll(tmp, src); err != nil {
		return fmt.Errorf("direct: copy payload for %d: %w", id, err)
	}

	if m := mime.Normalized(); m != "" {
		if err := unix.Fsetxattr(int(tmp.Fd()), xattrName, []byte(m), 0); err != nil {
			return fmt.Errorf("direct: set mime xattr for %d: %w", id, err)
		}
	}

	if err := linkTempInto(tmp, s.path(id)); err != nil {
		return fmt.Errorf("direct: link %d into place: %w", id, err)
	}
	return nil
}

// Free removes the direct entry for id.
func (s *Store) Free(id uint64) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("direct: remove %d: %w", id, err)
	}
	return nil
}

// Rename moves the direct entry from one composite id to another, used
// by MoveToFront when a direct entry changes ring or position.
func (s *Store) Rename(from, to uint64) error {
	if err := os.Rename(s.path(from), s.path(to)); err != nil {
		return fmt.Errorf("direct: rename %d -> %d: %w", from, to, err)
	}
	return nil
}

// Exists reports whether a direct entry is present for id.
func (s *Store) Exists(id uint64) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// MimeType reads the stored MIME type for id, returning "" if no xattr
// is set (meaning plain text).
func (s *Store) MimeType(id uint64) (mimetype.Type, error) {
	buf := make([]byte, mimetype.MaxLen)
	n, err := unix.Getxattr(s.path(id), xattrName, buf)
	if err != nil {
		if errors.Is(err, unix.ENODATA) || os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("direct: read mime xattr for %d: %w", id, err)
	}
	return mimetype.Type(buf[:n]), nil
}

// Open returns a read-only handle to the direct entry's contents.
func (s *Store) Open(id uint64) (*os.File, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("direct: open %d: %w", id, err)
	}
	return f, nil
}

// Swap exchanges the contents of two direct entries in place, keeping
// both composite-id filenames stable from the allocator facade's point
// of view but swapping which underlying inode each name refers to. It
// prefers an atomic RENAME_EXCHANGE and falls back to a three-way rename
// through a temporary name when the kernel doesn't support it, per
// spec.md §9's note not to silently paper over ENOSYS.
func (s *Store) Swap(a, b uint64) error {
	pa, pb := s.path(a), s.path(b)
	err := unix.Renameat2(unix.AT_FDCWD, pa, unix.AT_FDCWD, pb, unix.RENAME_EXCHANGE)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("direct: exchange %d/%d: %w", a, b, err)
	}

	swapFallbackOnce.Do(func() {
		if logger != nil {
			logger.Warnw("RENAME_EXCHANGE unsupported, falling back to three-way rename for direct swaps",
				"error", err)
		}
	})

	tmp := pa + ".ringboard-swap-tmp"
	if err := os.Rename(pa, tmp); err != nil {
		return fmt.Errorf("direct: swap stage 1 (%d -> tmp): %w", a, err)
	}
	if err := os.Rename(pb, pa); err != nil {
		_ = os.Rename(tmp, pa) // best-effort unwind
		return fmt.Errorf("direct: swap stage 2 (%d -> %d): %w", b, a, err)
	}
	if err := os.Rename(tmp, pb); err != nil {
		return fmt.Errorf("direct: swap stage 3 (tmp -> %d): %w", b, err)
	}
	return nil
}

// openTemp creates an anonymous, unlinked file in dir via O_TMPFILE. It
// has no visible name until linkTempInto gives it one.
func openTemp(dir string) (*os.File, error) {
	fd, err := unix.Open(dir, unix.O_TMPFILE|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("direct: open anonymous temp file in %s: %w", dir, err)
	}
	return os.NewFile(uintptr(fd), dir+"/(anonymous)"), nil
}

// linkTempInto links tmp (opened via O_TMPFILE) into dest using its
// /proc/self/fd magic-symlink path, the standard way to give an
// anonymous O_TMPFILE descriptor a name once its contents are complete.
func linkTempInto(tmp *os.File, dest string) error {
	procPath := fmt.Sprintf("/proc/self/fd/%d", tmp.Fd())
	err := unix.Linkat(unix.AT_FDCWD, procPath, unix.AT_FDCWD, dest, unix.AT_SYMLINK_FOLLOW)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("linkat %s -> %s: %w", procPath, dest, err)
	}
	// Destination already exists (a file left under this id whose slot
	// was never freed): replace it atomically via a temp name.
	staging := dest + ".ringboard-link-tmp"
	if err := unix.Linkat(unix.AT_FDCWD, procPath, unix.AT_FDCWD, staging, unix.AT_SYMLINK_FOLLOW); err != nil {
		return fmt.Errorf("linkat %s -> %s: %w", procPath, staging, err)
	}
	if err := os.Rename(staging, dest); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", staging, dest, err)
	}
	return nil
}

// copyAll copies all of src into dst, preferring copy_file_range when
// both ends are regular files on the same filesystem (avoiding a
// user-space bounce buffer) and falling back to io.Copy otherwise.
func copyAll(dst, src *os.File) (int64, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek source: %w", err)
	}
	info, err := src.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}

	remaining := info.Size()
	var total int64
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(src.Fd()), nil, int(dst.Fd()), nil, int(remaining), 0)
		if err != nil {
			if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EINVAL) {
				break // fall through to io.Copy for whatever is left
			}
			return total, fmt.Errorf("copy_file_range: %w", err)
		}
		if n == 0 {
			break
		}
		total += int64(n)
		remaining -= int64(n)
	}
	if remaining == 0 {
		return total, nil
	}

	n, err := io.Copy(dst, src)
	total += n
	if err != nil {
		return total, err
	}
	return total, nil
}
