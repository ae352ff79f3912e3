package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"mediatoolkit/internal/artifact"
	fileutil "mediatoolkit/internal/file"
	"mediatoolkit/internal/task"
)

const (
	DefaultDownloadTimeout = 5 * time.Minute
	downloadUserAgent      = "mediatoolkit/1.0"
)

var (
	ErrBadURL      = errors.New("invalid download url")
	ErrTooLarge    = errors.New("remote file exceeds size limit")
	safeExtPattern = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)
)

// DownloadOptions bounds a fetch. A zero MaxBytes disables the size check.
type DownloadOptions struct {
	Client   *http.Client
	MaxBytes int64
}

// ParseDownloadURL accepts absolute http and https URLs only.
func ParseDownloadURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: %q", ErrBadURL, raw)
	}
	return u, nil
}

// remoteExtension keeps a short lowercase extension from the URL path, or nothing.
func remoteExtension(u *url.URL) string {
	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	ext := strings.ToLower(path.Ext(base))
	if !safeExtPattern.MatchString(ext) {
		return ""
	}
	return ext
}

// Download fetches rawURL into download_{taskID}{ext}, reporting progress from
// Content-Length when the server sends one.
func Download(store *artifact.Store, rawURL string, opts DownloadOptions) task.WorkFunc {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: DefaultDownloadTimeout}
	}
	return func(ctx context.Context, rep task.Reporter) error {
		taskID := rep.TaskID()
		step(rep, startPercent, "connecting")

		u, err := ParseDownloadURL(rawURL)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("User-Agent", downloadUserAgent)

		resp, err := client.Do(req)
		if err != nil {
			log.Warn().Str("task_id", taskID).Str("host", u.Host).Err(err).Msg("http request failed")
			return fmt.Errorf("download failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			log.Warn().Str("task_id", taskID).Str("host", u.Host).Int("status", resp.StatusCode).Msg("unexpected status code")
			return fmt.Errorf("download failed: http %d", resp.StatusCode)
		}
		if opts.MaxBytes > 0 && resp.ContentLength > opts.MaxBytes {
			return fmt.Errorf("%w (max %s)", ErrTooLarge, humanize.IBytes(uint64(opts.MaxBytes)))
		}

		counter := &progressReader{r: resp.Body, total: resp.ContentLength, limit: opts.MaxBytes, rep: rep, last: startPercent}

		dest := store.Path("download", taskID, remoteExtension(u))
		written, err := fileutil.CopyAtomic(dest, counter)
		if errors.Is(err, ErrTooLarge) {
			return fmt.Errorf("%w (max %s)", ErrTooLarge, humanize.IBytes(uint64(opts.MaxBytes)))
		}
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}
		done(rep, "downloaded "+humanize.IBytes(uint64(written)))
		return nil
	}
}

// progressReader reports Content-Length based progress and fails once more than limit
// bytes have been read, so an oversized body is never renamed into place.
type progressReader struct {
	r     io.Reader
	total int64
	limit int64
	read  int64
	last  int
	rep   task.Reporter
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.limit > 0 && p.read > p.limit {
		return n, ErrTooLarge
	}
	if p.total > 0 {
		if pct := startPercent + int(int64(spanPercent)*p.read/p.total); pct > p.last && pct <= startPercent+spanPercent {
			p.last = pct
			step(p.rep, pct, "downloading "+humanize.IBytes(uint64(p.read)))
		}
	}
	return n, err //nolint:wrapcheck
}
