package plugin

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"

	"plugbridge/internal/security"
)

// Extraction limits.
const (
	maxEntryBytes   = 100 << 20
	maxArchiveBytes = 500 << 20
	maxEntries      = 10000
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZip  = []byte{'P', 'K', 0x03, 0x04}
)

var errUnknownFormat = errors.New("unrecognized archive format")

// extractArchive unpacks the tar.gz or zip at path into destDir, which must
// exist. The format is detected from the leading bytes. When the archive holds
// a single top-level directory (npm tarballs use "package/"), its contents are
// moved up into destDir.
func extractArchive(path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read archive header: %w", err)
	}
	head = head[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	sb, err := security.NewSandbox(destDir)
	if err != nil {
		return err
	}
	x := &extractor{sb: sb}

	switch {
	case bytes.HasPrefix(head, magicGzip):
		err = x.tarGz(f)
	case bytes.HasPrefix(head, magicZip):
		info, statErr := f.Stat()
		if statErr != nil {
			return statErr
		}
		err = x.zip(f, info.Size())
	default:
		err = errUnknownFormat
	}
	if err != nil {
		return err
	}
	return hoistSingleRoot(sb.Root())
}

type extractor struct {
	sb      *security.Sandbox
	entries int
	total   int64
}

func (x *extractor) tarGz(r io.Reader) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tar next: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := x.mkdir(header.Name); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := x.writeFile(header.Name, os.FileMode(header.Mode), tr); err != nil {
				return err
			}
		default:
			// Symlinks, hard links and devices are not extracted.
		}
	}
}

func (x *extractor) zip(r io.ReaderAt, size int64) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("zip reader: %w", err)
	}
	for _, zf := range zr.File {
		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := x.mkdir(zf.Name); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := zf.Open()
			if err != nil {
				return fmt.Errorf("open %s: %w", zf.Name, err)
			}
			err = x.writeFile(zf.Name, mode, rc)
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (x *extractor) target(name string) (string, error) {
	x.entries++
	if x.entries > maxEntries {
		return "", fmt.Errorf("archive has more than %d entries", maxEntries)
	}
	return x.sb.Join(name)
}

func (x *extractor) mkdir(name string) error {
	target, err := x.target(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", name, err)
	}
	return nil
}

func (x *extractor) writeFile(name string, mode os.FileMode, r io.Reader) error {
	target, err := x.target(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir parent %s: %w", name, err)
	}
	if _, err := x.sb.ValidatePath(target); err != nil {
		return err
	}

	perm := mode.Perm() & 0o755
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, maxEntryBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if n > maxEntryBytes {
		return fmt.Errorf("entry %s exceeds %d bytes", name, maxEntryBytes)
	}
	x.total += n
	if x.total > maxArchiveBytes {
		return fmt.Errorf("archive exceeds %d bytes", maxArchiveBytes)
	}
	return nil
}

func hoistSingleRoot(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	// Rename first so a child named like its parent cannot collide.
	tmp := filepath.Join(dir, ".hoist-"+ulid.Make().String())
	if err := os.Rename(filepath.Join(dir, entries[0].Name()), tmp); err != nil {
		return err
	}
	children, err := os.ReadDir(tmp)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := os.Rename(filepath.Join(tmp, c.Name()), filepath.Join(dir, c.Name())); err != nil {
			return err
		}
	}
	return os.Remove(tmp)
}
