package adapter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"mediatoolkit/internal/artifact"
	fileutil "mediatoolkit/internal/file"
	"mediatoolkit/internal/task"
)

const defaultTargetEncoding = "utf-8"

// EncodingOptions names the target charset and, optionally, the source charset.
// An empty Source is detected from the content.
type EncodingOptions struct {
	Target string
	Source string
}

// LookupEncoding resolves a charset label such as "latin1", "windows-1251" or "shift_jis".
func LookupEncoding(label string) (encoding.Encoding, string, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		label = defaultTargetEncoding
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, "", fmt.Errorf("%w: encoding %q", ErrBadOption, label)
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		name = strings.ToLower(label)
	}
	return enc, name, nil
}

// DetectEncoding guesses the charset of raw text. A byte order mark wins, then valid
// UTF-8, then whatever the HTML sniffer settles on (windows-1252 for plain bytes).
func DetectEncoding(raw []byte) (encoding.Encoding, string) {
	enc, name, certain := charset.DetermineEncoding(raw, "text/plain")
	if !certain && utf8.Valid(raw) {
		return unicode.UTF8, "utf-8"
	}
	return enc, name
}

// ConvertEncoding re-encodes a text upload and writes converted_encoding_{taskID}.txt.
// Characters the target charset cannot represent fail the task.
func ConvertEncoding(store *artifact.Store, input string, opts EncodingOptions) task.WorkFunc {
	return func(ctx context.Context, rep task.Reporter) error {
		taskID := rep.TaskID()
		defer removeInputs(taskID, input)

		target, targetName, err := LookupEncoding(opts.Target)
		if err != nil {
			return err
		}
		step(rep, startPercent, "converting encoding to "+targetName)

		raw, err := os.ReadFile(input)
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		var source encoding.Encoding
		var sourceName string
		if opts.Source != "" {
			if source, sourceName, err = LookupEncoding(opts.Source); err != nil {
				return err
			}
		} else {
			source, sourceName = DetectEncoding(raw)
		}
		log.Debug().Str("task_id", taskID).Str("source", sourceName).Str("target", targetName).Msg("encoding detected")
		step(rep, 40, fmt.Sprintf("detected %s, converting to %s", sourceName, targetName))

		text, err := source.NewDecoder().Bytes(raw)
		if err != nil {
			return fmt.Errorf("decode %s: %w", sourceName, err)
		}
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck
		}
		out, err := target.NewEncoder().Bytes(text)
		if err != nil {
			return fmt.Errorf("encode %s: %w", targetName, err)
		}
		if _, err := fileutil.CopyAtomic(store.Path("converted_encoding", taskID, "txt"), bytes.NewReader(out)); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		done(rep, fmt.Sprintf("encoding converted from %s to %s", sourceName, targetName))
		return nil
	}
}
