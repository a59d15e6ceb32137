// Package archive writes captured logs to disk and packs them into single-entry
// tar archives.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RawExtension is the suffix of uncompressed capture files.
const RawExtension = ".txt"

type Codec string

const (
	CodecGzip Codec = "gzip"
	CodecLZ4  Codec = "lz4"
	CodecZstd Codec = "zstd"
	CodecNone Codec = "none"
)

func ParseCodec(name string) (Codec, error) {
	switch Codec(strings.ToLower(name)) {
	case "", CodecGzip:
		return CodecGzip, nil
	case CodecLZ4:
		return CodecLZ4, nil
	case CodecZstd:
		return CodecZstd, nil
	case CodecNone:
		return CodecNone, nil
	default:
		return "", fmt.Errorf("unknown codec %q", name)
	}
}

// Extension returns the archive suffix for the codec, or "" for CodecNone.
func (c Codec) Extension() string {
	switch c {
	case CodecGzip:
		return ".tar.gz"
	case CodecLZ4:
		return ".tar.lz4"
	case CodecZstd:
		return ".tar.zst"
	default:
		return ""
	}
}

// Artifact is the file a capture session leaves behind.
type Artifact struct {
	Path       string
	Compressed bool
	Size       int64
}

type Writer struct {
	log   *zap.SugaredLogger
	codec Codec
}

func NewWriter(log *zap.SugaredLogger, codec Codec) *Writer {
	return &Writer{
		log:   log,
		codec: codec,
	}
}

func (w *Writer) Codec() Codec {
	return w.codec
}

// Append appends text to the raw file at path, creating it and its parent
// directories as needed.
func (w *Writer) Append(path string, text string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	_, err = f.WriteString(text)
	return multierr.Append(err, f.Close())
}

// Finalize turns the raw file into the session artifact. With compress set and
// a codec other than CodecNone the raw file is packed next to itself and
// removed once the archive is complete.
func (w *Writer) Finalize(rawPath string, compress bool) (Artifact, error) {
	if !compress || w.codec == CodecNone {
		info, err := os.Stat(rawPath)
		if err != nil {
			return Artifact{}, err
		}
		return Artifact{Path: rawPath, Size: info.Size()}, nil
	}

	return w.Compress(rawPath)
}

// ArchivePath returns where the archive for rawPath is written.
func (w *Writer) ArchivePath(rawPath string) string {
	return strings.TrimSuffix(rawPath, RawExtension) + w.codec.Extension()
}

// Compress packs rawPath into a tar archive holding one entry named after the
// raw file, then removes the raw file.
func (w *Writer) Compress(rawPath string) (Artifact, error) {
	archivePath := w.ArchivePath(rawPath)
	w.log.Debug("Compressing ", rawPath, " to ", archivePath)

	size, err := w.pack(rawPath, archivePath)
	if err != nil {
		os.Remove(archivePath)
		return Artifact{}, fmt.Errorf("compress %s: %w", rawPath, err)
	}

	if err := os.Remove(rawPath); err != nil {
		w.log.Warn("Failed to remove raw log after compression: ", err)
	}

	return Artifact{Path: archivePath, Compressed: true, Size: size}, nil
}

func (w *Writer) pack(rawPath string, archivePath string) (size int64, err error) {
	in, err := os.Open(rawPath)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return 0, err
	}
	defer func() {
		err = multierr.Append(err, out.Close())
		if err == nil {
			if st, statErr := os.Stat(archivePath); statErr == nil {
				size = st.Size()
			}
		}
	}()

	cw, err := newCompressor(w.codec, out)
	if err != nil {
		return 0, err
	}

	tw := tar.NewWriter(cw)
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	hdr.Name = filepath.Base(rawPath)

	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}

	if _, err := io.Copy(tw, in); err != nil {
		return 0, err
	}

	return 0, multierr.Combine(tw.Close(), cw.Close())
}

func newCompressor(codec Codec, w io.Writer) (io.WriteCloser, error) {
	switch codec {
	case CodecGzip:
		return gzip.NewWriter(w), nil
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecZstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

func newDecompressor(codec Codec, r io.Reader) (io.ReadCloser, error) {
	switch codec {
	case CodecGzip:
		return gzip.NewReader(r)
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}

// CodecFor infers the codec from an archive file name.
func CodecFor(path string) (Codec, error) {
	for _, c := range []Codec{CodecGzip, CodecLZ4, CodecZstd} {
		if strings.HasSuffix(path, c.Extension()) {
			return c, nil
		}
	}

	return "", fmt.Errorf("%s is not a log archive", path)
}

// ReadEntry returns the name and content of the single entry in an archive.
func ReadEntry(path string) (string, []byte, error) {
	codec, err := CodecFor(path)
	if err != nil {
		return "", nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	dec, err := newDecompressor(codec, f)
	if err != nil {
		return "", nil, err
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	hdr, err := tr.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil, fmt.Errorf("%s: empty archive", path)
		}
		return "", nil, err
	}

	data, err := io.ReadAll(tr)
	if err != nil {
		return "", nil, err
	}

	return hdr.Name, data, nil
}

// DefaultRetention is how long logs are kept by Prune when no age is given.
const DefaultRetention = 14 * 24 * time.Hour

// Prune removes files in dir matching pattern whose modification time is older
// than olderThan relative to now. It returns the removed paths. Files that
// cannot be removed are logged and skipped.
func Prune(log *zap.SugaredLogger, dir string, pattern string, olderThan time.Duration, now time.Time) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-olderThan)

	var removed []string
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}

		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(path); err != nil {
			log.Warn("Unable to remove ", path, ": ", err)
			continue
		}

		log.Info("Removed ", path)
		removed = append(removed, path)
	}

	return removed, nil
}
