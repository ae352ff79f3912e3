package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"mediatoolkit/internal/artifact"
	"mediatoolkit/internal/task"
)

const stderrTailBytes = 512

var ErrToolMissing = errors.New("conversion tool not available")

// Command describes one external conversion: Args receives the input and output paths.
type Command struct {
	Binary  string
	Kind    string
	Ext     string
	Timeout time.Duration
	Args    func(input, output string) []string
}

// FFmpeg converts video or audio input to ext, overwriting any existing output.
func FFmpeg(binary, kind, ext string, timeout time.Duration) Command {
	return Command{
		Binary: binary, Kind: kind, Ext: ext, Timeout: timeout,
		Args: func(in, out string) []string {
			return []string{"-hide_banner", "-loglevel", "error", "-y", "-i", in, out}
		},
	}
}

// Pandoc converts a document to ext; pandoc infers both formats from extensions.
func Pandoc(binary, ext string, timeout time.Duration) Command {
	return Command{
		Binary: binary, Kind: "document", Ext: ext, Timeout: timeout,
		Args: func(in, out string) []string {
			return []string{in, "-o", out}
		},
	}
}

// Available reports whether the binary resolves on PATH.
func (c Command) Available() bool {
	_, err := exec.LookPath(c.Binary)
	return err == nil
}

// CheckTools logs a warning for every binary that cannot be found. Missing tools only
// fail the tasks that need them.
func CheckTools(binaries ...string) map[string]bool {
	found := make(map[string]bool, len(binaries))
	for _, b := range binaries {
		p, err := exec.LookPath(b)
		found[b] = err == nil
		if err != nil {
			log.Warn().Str("binary", b).Msg("conversion tool not found on PATH")
			continue
		}
		log.Info().Str("binary", b).Str("path", p).Msg("conversion tool available")
	}
	return found
}

// Run executes the command against input and writes {kind}_{taskID}.{ext}.
func (c Command) Run(store *artifact.Store, input string) task.WorkFunc {
	return func(ctx context.Context, rep task.Reporter) error {
		taskID := rep.TaskID()
		defer removeInputs(taskID, input)

		step(rep, startPercent, fmt.Sprintf("starting %s conversion", c.Kind))
		binPath, err := exec.LookPath(c.Binary)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrToolMissing, c.Binary)
		}
		if c.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.Timeout)
			defer cancel()
		}

		output := store.Path(c.Kind, taskID, c.Ext)
		var stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, binPath, c.Args(input, output)...) //nolint:gosec // binary comes from config
		cmd.Stderr = &stderr

		step(rep, 50, fmt.Sprintf("converting %s", c.Kind))
		start := time.Now()
		if err := cmd.Run(); err != nil {
			removeInputs(taskID, output)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("%s conversion aborted: %w", c.Kind, ctxErr)
			}
			if tail := stderrTail(stderr.Bytes()); tail != "" {
				return fmt.Errorf("%s conversion failed: %s", c.Kind, tail)
			}
			return fmt.Errorf("%s conversion failed: %w", c.Kind, err)
		}
		log.Debug().Str("task_id", taskID).Str("binary", c.Binary).Dur("took", time.Since(start)).Msg("conversion finished")
		done(rep, fmt.Sprintf("%s converted to %s", c.Kind, strings.TrimPrefix(c.Ext, ".")))
		return nil
	}
}

// stderrTail returns the last line of tool output, bounded in size. The runner
// sanitizes it before it reaches a progress record.
func stderrTail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > stderrTailBytes {
		b = b[len(b)-stderrTailBytes:]
	}
	lines := strings.Split(string(b), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
