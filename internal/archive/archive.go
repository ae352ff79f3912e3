package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/rs/zerolog/log"
)

// Format is an output archive kind.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarBz2 Format = "tar.bz2"
)

const archiveDirPerm os.FileMode = 0o750

var (
	ErrNoInputs          = errors.New("no input files provided")
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	ErrUnsafeEntry       = errors.New("archive entry escapes destination")
	ErrTooLarge          = errors.New("extracted content exceeds size limit")
)

// ProgressFunc is called before each item is handled; done counts items already processed.
type ProgressFunc func(done, total int)

// ParseFormat maps user input to a Format; an empty string means zip.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zip":
		return FormatZip, nil
	case "tar":
		return FormatTar, nil
	case "tar.gz", "tgz", "gz":
		return FormatTarGz, nil
	case "tar.bz2", "tbz2", "bz2":
		return FormatTarBz2, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
	}
}

// Extension returns the filename suffix for f, including the leading dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// Build writes inputs into a new archive at destPath. Entry names are the inputs' base
// names with nameFor applied, so callers can strip upload prefixes.
func Build(ctx context.Context, destPath string, format Format, inputs []string, nameFor func(string) string, onProgress ProgressFunc) error {
	if len(inputs) == 0 {
		return ErrNoInputs
	}
	if nameFor == nil {
		nameFor = filepath.Base
	}
	out, err := createFile(destPath)
	if err != nil {
		return err
	}

	var buildErr error
	switch format {
	case FormatZip:
		buildErr = writeZip(ctx, out, inputs, nameFor, onProgress)
	case FormatTar:
		buildErr = writeTar(ctx, out, inputs, nameFor, onProgress)
	case FormatTarGz:
		gz := gzip.NewWriter(out)
		buildErr = writeTar(ctx, gz, inputs, nameFor, onProgress)
		if closeErr := gz.Close(); buildErr == nil && closeErr != nil {
			buildErr = fmt.Errorf("close gzip: %w", closeErr)
		}
	case FormatTarBz2:
		bz, err := bzip2.NewWriter(out, nil)
		if err != nil {
			buildErr = fmt.Errorf("bzip2 writer: %w", err)
			break
		}
		buildErr = writeTar(ctx, bz, inputs, nameFor, onProgress)
		if closeErr := bz.Close(); buildErr == nil && closeErr != nil {
			buildErr = fmt.Errorf("close bzip2: %w", closeErr)
		}
	default:
		buildErr = fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	if closeErr := out.Close(); buildErr == nil && closeErr != nil {
		buildErr = fmt.Errorf("close archive: %w", closeErr)
	}
	if buildErr != nil {
		_ = os.Remove(destPath)
		return buildErr
	}
	return nil
}

func writeZip(ctx context.Context, w io.Writer, inputs []string, nameFor func(string) string, onProgress ProgressFunc) error {
	zipWriter := zip.NewWriter(w)
	for i, inputPath := range inputs {
		if err := ctx.Err(); err != nil {
			_ = zipWriter.Close()
			return err //nolint:wrapcheck
		}
		notify(onProgress, i, len(inputs))
		if err := addZipEntry(zipWriter, inputPath, nameFor(inputPath)); err != nil {
			_ = zipWriter.Close()
			return err
		}
	}
	notify(onProgress, len(inputs), len(inputs))
	if err := zipWriter.Close(); err != nil {
		log.Error().Err(err).Msg("closing zip writer failed")
		return fmt.Errorf("close zip writer: %w", err)
	}
	return nil
}

func addZipEntry(zipWriter *zip.Writer, inputPath, entryName string) error {
	src, err := os.Open(inputPath) //nolint:gosec // inputs are app-owned upload paths
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("zip header: %w", err)
	}
	header.Name = entryName
	header.Method = zip.Deflate

	entryWriter, err := zipWriter.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zip entry create: %w", err)
	}
	if _, err := io.Copy(entryWriter, src); err != nil {
		return fmt.Errorf("copy into zip: %w", err)
	}
	return nil
}

func writeTar(ctx context.Context, w io.Writer, inputs []string, nameFor func(string) string, onProgress ProgressFunc) error {
	tarWriter := tar.NewWriter(w)
	for i, inputPath := range inputs {
		if err := ctx.Err(); err != nil {
			_ = tarWriter.Close()
			return err //nolint:wrapcheck
		}
		notify(onProgress, i, len(inputs))
		if err := addTarEntry(tarWriter, inputPath, nameFor(inputPath)); err != nil {
			_ = tarWriter.Close()
			return err
		}
	}
	notify(onProgress, len(inputs), len(inputs))
	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	return nil
}

func addTarEntry(tarWriter *tar.Writer, inputPath, entryName string) error {
	src, err := os.Open(inputPath) //nolint:gosec // inputs are app-owned upload paths
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = src.Close() }()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header: %w", err)
	}
	header.Name = entryName
	if err := tarWriter.WriteHeader(header); err != nil {
		return fmt.Errorf("tar header write: %w", err)
	}
	if _, err := io.Copy(tarWriter, src); err != nil {
		return fmt.Errorf("copy into tar: %w", err)
	}
	return nil
}

// Extract unpacks srcPath (zip, tar, tar.gz/tgz, tar.bz2/tbz2) into destDir and returns the
// number of regular files written. Entries that would land outside destDir are rejected.
// maxBytes caps the total expanded size across all entries; zero disables the cap.
func Extract(ctx context.Context, srcPath, destDir string, maxBytes int64, onProgress ProgressFunc) (int, error) {
	if err := os.MkdirAll(destDir, archiveDirPerm); err != nil { //nolint:gosec // destination created by application
		return 0, fmt.Errorf("ensure dir: %w", err)
	}
	budget := &sizeBudget{limit: maxBytes}
	lower := strings.ToLower(srcPath)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return extractZip(ctx, srcPath, destDir, budget, onProgress)
	case strings.HasSuffix(lower, ".tar"):
		return extractTarFile(ctx, srcPath, destDir, budget, onProgress, nil)
	case strings.HasSuffix(lower, ".gz"), strings.HasSuffix(lower, ".tgz"):
		return extractTarFile(ctx, srcPath, destDir, budget, onProgress, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r) //nolint:wrapcheck
		})
	case strings.HasSuffix(lower, ".bz2"), strings.HasSuffix(lower, ".tbz2"):
		return extractTarFile(ctx, srcPath, destDir, budget, onProgress, func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r, nil) //nolint:wrapcheck
		})
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(srcPath))
	}
}

// sizeBudget tracks expanded bytes across every entry of one extraction.
type sizeBudget struct {
	limit int64
	used  int64
}

// reader bounds r to one byte past what is left so an overrun is detectable.
func (b *sizeBudget) reader(r io.Reader) io.Reader {
	if b.limit <= 0 {
		return r
	}
	return io.LimitReader(r, b.limit-b.used+1)
}

func (b *sizeBudget) consume(n int64) error {
	b.used += n
	if b.limit > 0 && b.used > b.limit {
		return fmt.Errorf("%w (%d bytes)", ErrTooLarge, b.limit)
	}
	return nil
}

func extractZip(ctx context.Context, srcPath, destDir string, budget *sizeBudget, onProgress ProgressFunc) (int, error) {
	reader, err := zip.OpenReader(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open zip: %w", err)
	}
	defer func() { _ = reader.Close() }()

	written := 0
	for i, entry := range reader.File {
		if err := ctx.Err(); err != nil {
			return written, err //nolint:wrapcheck
		}
		notify(onProgress, i, len(reader.File))
		target, err := safeJoin(destDir, entry.Name)
		if err != nil {
			return written, err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, archiveDirPerm); err != nil { //nolint:gosec // under destDir
				return written, fmt.Errorf("mkdir: %w", err)
			}
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return written, fmt.Errorf("open entry: %w", err)
		}
		err = writeEntry(target, rc, budget)
		_ = rc.Close()
		if err != nil {
			return written, err
		}
		written++
	}
	notify(onProgress, len(reader.File), len(reader.File))
	return written, nil
}

func extractTarFile(ctx context.Context, srcPath, destDir string, budget *sizeBudget, onProgress ProgressFunc, decompress func(io.Reader) (io.Reader, error)) (int, error) {
	src, err := os.Open(srcPath) //nolint:gosec // app-owned upload path
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = src.Close() }()

	var stream io.Reader = src
	if decompress != nil {
		if stream, err = decompress(src); err != nil {
			return 0, fmt.Errorf("decompress: %w", err)
		}
	}

	// tar is a stream; the total is unknown until the end, so progress counts entries seen
	tarReader := tar.NewReader(stream)
	written := 0
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return written, err //nolint:wrapcheck
		}
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return written, fmt.Errorf("read tar: %w", err)
		}
		notify(onProgress, i, 0)
		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return written, err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, archiveDirPerm); err != nil { //nolint:gosec // under destDir
				return written, fmt.Errorf("mkdir: %w", err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tarReader, budget); err != nil {
				return written, err
			}
			written++
		default:
			log.Debug().Str("entry", header.Name).Msg("skipping non-regular tar entry")
		}
	}
	return written, nil
}

func writeEntry(target string, r io.Reader, budget *sizeBudget) error {
	out, err := createFile(target)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, budget.reader(r))
	if err == nil {
		err = budget.consume(n)
	} else {
		err = fmt.Errorf("write entry: %w", err)
	}
	if err != nil {
		_ = out.Close()
		_ = os.Remove(target)
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close entry: %w", err)
	}
	return nil
}

// safeJoin resolves name under destDir and refuses absolute paths or parent escapes.
func safeJoin(destDir, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeEntry, name)
	}
	target := filepath.Join(destDir, name)
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeEntry, name)
	}
	return target, nil
}

func notify(onProgress ProgressFunc, done, total int) {
	if onProgress != nil {
		onProgress(done, total)
	}
}

// createFile creates or truncates the destination file along with ensuring parent dir exists
func createFile(destinationPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(destinationPath), archiveDirPerm); err != nil { //nolint:gosec // directory created by application under controlled path
		return nil, fmt.Errorf("ensure dir: %w", err)
	}
	outputFile, err := os.Create(destinationPath) //nolint:gosec // path is constructed by the application
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return outputFile, nil
}
