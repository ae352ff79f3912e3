package upload

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Class names an allow-list of extensions. The empty class skips the extension check.
type Class string

const (
	ClassAny      Class = ""
	ClassVideo    Class = "video"
	ClassAudio    Class = "audio"
	ClassImage    Class = "image"
	ClassDocument Class = "document"
	ClassArchive  Class = "archive"
	ClassText     Class = "text"
)

const DefaultMaxSize int64 = 100 << 20

var (
	ErrNoFile          = errors.New("no file uploaded")
	ErrEmptyFile       = errors.New("file is empty")
	ErrTooLarge        = errors.New("file too large")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrExtNotAllowed   = errors.New("file format not allowed")
	ErrUnknownClass    = errors.New("unknown file class")
)

// RejectionError carries the user-facing reason an upload was refused.
type RejectionError struct {
	Reason string
	Err    error
}

func (e *RejectionError) Error() string { return e.Reason }
func (e *RejectionError) Unwrap() error { return e.Err }

func reject(err error, reason string) *RejectionError {
	return &RejectionError{Reason: reason, Err: err}
}

// Upload is the subset of an inbound file the validator inspects.
// Content is optional; when present it is sniffed and rewound.
type Upload struct {
	Filename string
	Size     int64
	Content  io.ReadSeeker
}

// safeMIMETypes are types that never produce a warning.
var safeMIMETypes = map[string]struct{}{
	"image/jpeg": {}, "image/png": {}, "image/gif": {}, "image/bmp": {}, "image/tiff": {}, "image/webp": {},
	"audio/mpeg": {}, "audio/wav": {}, "audio/ogg": {}, "audio/aac": {}, "audio/flac": {}, "audio/x-m4a": {},
	"video/mp4": {}, "video/avi": {}, "video/quicktime": {}, "video/x-msvideo": {}, "video/webm": {},
	"application/pdf": {}, "application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
	"text/plain": {}, "text/markdown": {}, "text/html": {},
	"application/zip": {}, "application/x-tar": {}, "application/gzip": {},
}

// Validator gates uploads before a task id is issued.
type Validator struct {
	maxSize int64
	allowed map[Class]map[string]struct{}
}

// NewValidator builds a validator from per-class extension lists (".mp4" form).
func NewValidator(maxSize int64, allowedExtensions map[string][]string) *Validator {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	allowed := make(map[Class]map[string]struct{}, len(allowedExtensions))
	for class, exts := range allowedExtensions {
		set := make(map[string]struct{}, len(exts))
		for _, ext := range exts {
			ext = strings.ToLower(ext)
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			set[ext] = struct{}{}
		}
		allowed[Class(class)] = set
	}
	return &Validator{maxSize: maxSize, allowed: allowed}
}

// MaxSize returns the upper bound on accepted upload size in bytes.
func (v *Validator) MaxSize() int64 { return v.maxSize }

// Validate runs the admission checks in order and stops at the first failure.
// MIME sniffing is advisory and only logs.
func (v *Validator) Validate(u *Upload, class Class) error {
	if u == nil || strings.TrimSpace(u.Filename) == "" {
		return reject(ErrNoFile, "no file uploaded")
	}
	if u.Size > v.maxSize {
		return reject(ErrTooLarge, fmt.Sprintf("file too large (max %s)", humanize.IBytes(uint64(v.maxSize))))
	}
	if u.Size <= 0 {
		return reject(ErrEmptyFile, "file is empty")
	}
	if strings.Contains(u.Filename, "..") || strings.ContainsAny(u.Filename, `/\`) {
		return reject(ErrInvalidFilename, "invalid filename")
	}
	if class != ClassAny {
		exts, ok := v.allowed[class]
		if !ok {
			return reject(ErrUnknownClass, "unsupported file category")
		}
		if _, ok := exts[Extension(u.Filename)]; !ok {
			return reject(ErrExtNotAllowed, "file format not allowed")
		}
	}
	sniff(u)
	return nil
}

// ValidateFileHeader validates a multipart upload, opening it for content sniffing.
func (v *Validator) ValidateFileHeader(fh *multipart.FileHeader, class Class) error {
	if fh == nil {
		return reject(ErrNoFile, "no file uploaded")
	}
	u := &Upload{Filename: fh.Filename, Size: fh.Size}
	src, err := fh.Open()
	if err == nil {
		defer func() { _ = src.Close() }()
		u.Content = src
	}
	return v.Validate(u, class)
}

// Allowed reports whether filename's extension is in class's allow-list.
func (v *Validator) Allowed(filename string, class Class) bool {
	exts, ok := v.allowed[class]
	if !ok {
		return false
	}
	_, ok = exts[Extension(filename)]
	return ok
}

// Extension returns the lowercased extension; ".tar.gz" is reported as ".gz".
func Extension(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

func sniff(u *Upload) {
	byName := mime.TypeByExtension(Extension(u.Filename))
	if byName != "" {
		if base := baseType(byName); !isSafe(base) {
			log.Warn().Str("filename", u.Filename).Str("mime", base).Msg("potentially unsafe mime type from filename")
		}
	}
	if u.Content == nil {
		return
	}
	detected, err := mimetype.DetectReader(u.Content)
	if _, seekErr := u.Content.Seek(0, io.SeekStart); seekErr != nil {
		log.Warn().Str("filename", u.Filename).Err(seekErr).Msg("rewind after mime sniffing failed")
	}
	if err != nil {
		log.Warn().Str("filename", u.Filename).Err(err).Msg("mime detection failed")
		return
	}
	base := baseType(detected.String())
	if !isSafe(base) && !detected.Is("application/octet-stream") {
		log.Warn().Str("filename", u.Filename).Str("mime", base).Msg("potentially unsafe mime type from content")
	}
	if byName != "" && !detected.Is(baseType(byName)) {
		log.Debug().Str("filename", u.Filename).Str("by_name", baseType(byName)).Str("by_content", base).Msg("mime mismatch")
	}
}

func baseType(t string) string {
	mediaType, _, err := mime.ParseMediaType(t)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(t, ";")[0]))
	}
	return mediaType
}

func isSafe(mediaType string) bool {
	_, ok := safeMIMETypes[mediaType]
	return ok
}
