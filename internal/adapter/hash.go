package adapter

import (
	"context"
	"crypto/md5"  //nolint:gosec // checksum, not a security boundary
	"crypto/sha1" //nolint:gosec // checksum, not a security boundary
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"mediatoolkit/internal/artifact"
	fileutil "mediatoolkit/internal/file"
	"mediatoolkit/internal/task"
)

const hashChunkSize = 1 << 20

var ErrUnsupportedHash = errors.New("unsupported hash type")

// HashResult is the JSON document written for a hash task.
type HashResult struct {
	Filename  string `json:"filename"`
	FileSize  int64  `json:"file_size"`
	HashType  string `json:"hash_type"`
	HashValue string `json:"hash_value"`
}

// NewHash returns a hasher for md5, sha1, sha256 or sha512.
func NewHash(kind string) (hash.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "md5":
		return md5.New(), nil //nolint:gosec
	case "sha1":
		return sha1.New(), nil //nolint:gosec
	case "", "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedHash, kind)
	}
}

// Hash digests input in chunks and writes hash_{taskID}.json.
func Hash(store *artifact.Store, input, kind string) task.WorkFunc {
	return func(ctx context.Context, rep task.Reporter) error {
		taskID := rep.TaskID()
		defer removeInputs(taskID, input)

		step(rep, startPercent, "computing hash")
		h, err := NewHash(kind)
		if err != nil {
			return err
		}
		kind = strings.ToLower(strings.TrimSpace(kind))
		if kind == "" {
			kind = "sha256"
		}

		src, err := os.Open(input) //nolint:gosec // app-owned upload path
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer func() { _ = src.Close() }()
		info, err := src.Stat()
		if err != nil {
			return fmt.Errorf("stat input: %w", err)
		}

		total := info.Size()
		var read int64
		lastPercent := startPercent
		buf := make([]byte, hashChunkSize)
		for {
			if err := ctx.Err(); err != nil {
				return err //nolint:wrapcheck
			}
			n, readErr := src.Read(buf)
			if n > 0 {
				_, _ = h.Write(buf[:n])
				read += int64(n)
				if pct := startPercent + int(int64(spanPercent)*read/max(total, 1)); pct > lastPercent {
					lastPercent = pct
					step(rep, pct, "computing hash")
				}
			}
			if errors.Is(readErr, io.EOF) {
				break
			}
			if readErr != nil {
				return fmt.Errorf("read input: %w", readErr)
			}
		}

		result := HashResult{
			Filename:  DisplayName(taskID, input),
			FileSize:  read,
			HashType:  kind,
			HashValue: hex.EncodeToString(h.Sum(nil)),
		}
		if err := fileutil.WriteJSONAtomic(store.Path("hash", taskID, ".json"), result); err != nil {
			return fmt.Errorf("write hash result: %w", err)
		}
		done(rep, fmt.Sprintf("%s hash computed", kind))
		return nil
	}
}
