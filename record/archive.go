package record

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	seekable "github.com/SaveTheRbtz/zstd-seekable-format-go/pkg"
	"github.com/klauspost/compress/zstd"
)

const archiveSuffix = ".zst"

// archiveFrameSize is the uncompressed frame size for seekable zstd
// archives. Each frame is independently compressed, so playback can ReadAt
// an archived recording without inflating the whole file.
const archiveFrameSize = 256 << 10

// zstdDec is a package-level decoder, concurrent-safe, always available for
// reads.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("zstd: init decoder: " + err.Error())
	}
}

// Archive rewrites a closed recording as a seekable-zstd archive next to
// it, removing the original on success. It returns the archive path. The
// archive appears atomically via temp-file-then-rename; the original is
// removed after the rename.
func Archive(path string) (string, error) {
	if strings.HasSuffix(path, archiveSuffix) {
		return "", fmt.Errorf("archive: %s is already an archive", path)
	}
	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", err
	}
	defer enc.Close()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".archive-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	sw, err := seekable.NewWriter(tmp, enc)
	if err != nil {
		cleanup()
		return "", err
	}
	buf := make([]byte, archiveFrameSize)
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if _, werr := sw.Write(buf[:n]); werr != nil {
				cleanup()
				return "", werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			cleanup()
			return "", err
		}
	}
	if err := sw.Close(); err != nil {
		cleanup()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	archived := path + archiveSuffix
	if err := os.Rename(tmpPath, archived); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return archived, err
	}
	return archived, nil
}

// Unarchive restores a seekable-zstd archive to a plain recording,
// removing the archive on success. It returns the recording path.
func Unarchive(path string) (string, error) {
	if !strings.HasSuffix(path, archiveSuffix) {
		return "", fmt.Errorf("unarchive: %s is not an archive", path)
	}
	r, f, _, err := openArchivedReader(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	defer r.Close()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".unarchive-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, io.NewSectionReader(r, 0, archiveSize(r))); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	restored := strings.TrimSuffix(path, archiveSuffix)
	if err := os.Rename(tmpPath, restored); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Remove(path); err != nil {
		return restored, err
	}
	return restored, nil
}

// archiveCloser closes the seekable reader and the underlying file.
type archiveCloser struct {
	r seekable.Reader
	f *os.File
}

func (c archiveCloser) Close() error {
	err := c.r.Close()
	if ferr := c.f.Close(); err == nil {
		err = ferr
	}
	return err
}

func openArchivedReader(path string) (seekable.Reader, *os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	r, err := seekable.NewReader(f, zstdDec)
	if err != nil {
		f.Close()
		return nil, nil, 0, err
	}
	return r, f, archiveSize(r), nil
}

// archiveSize returns the uncompressed size recorded in the seek table.
func archiveSize(r seekable.Reader) int64 {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return 0
	}
	r.Seek(0, io.SeekStart)
	return size
}

// openArchived opens an archive for random-access playback. The returned
// ReaderAt decompresses only the frames covering each requested range.
func openArchived(path string) (io.ReaderAt, io.Closer, int64, error) {
	r, f, size, err := openArchivedReader(path)
	if err != nil {
		return nil, nil, 0, err
	}
	return r, archiveCloser{r: r, f: f}, size, nil
}

// OpenRaw exposes the raw (uncompressed) byte stream of a recording,
// archived or not. Tooling uses it to recompute the sidecar checksum.
func OpenRaw(path string) (io.ReaderAt, io.Closer, int64, error) {
	if strings.HasSuffix(path, archiveSuffix) {
		return openArchived(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, 0, err
	}
	return f, f, info.Size(), nil
}
