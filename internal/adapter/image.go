package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"

	"mediatoolkit/internal/artifact"
	"mediatoolkit/internal/task"
)

// ImageOptions controls an image conversion. A zero Width or Height keeps the aspect ratio;
// both zero skips resizing.
type ImageOptions struct {
	Format  string
	Width   int
	Height  int
	Quality int
}

// ImageFormat validates an output format name and returns its canonical extension.
func ImageFormat(name string) (string, error) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "."))
	if name == "" {
		name = "png"
	}
	if _, err := imaging.FormatFromExtension(name); err != nil {
		return "", fmt.Errorf("%w: image format %q", ErrBadOption, name)
	}
	return name, nil
}

// Image decodes input, resizes it when asked and saves image_{taskID}.{format}.
func Image(store *artifact.Store, input string, opts ImageOptions) task.WorkFunc {
	return func(ctx context.Context, rep task.Reporter) error {
		taskID := rep.TaskID()
		defer removeInputs(taskID, input)

		step(rep, startPercent, "loading image")
		ext, err := ImageFormat(opts.Format)
		if err != nil {
			return err
		}
		if opts.Width < 0 || opts.Height < 0 {
			return fmt.Errorf("%w: negative dimensions", ErrBadOption)
		}

		img, err := imaging.Open(input, imaging.AutoOrientation(true))
		if err != nil {
			return fmt.Errorf("decode image: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck
		}

		if opts.Width > 0 || opts.Height > 0 {
			step(rep, 50, fmt.Sprintf("resizing to %dx%d", opts.Width, opts.Height))
			img = imaging.Resize(img, opts.Width, opts.Height, imaging.Lanczos)
		}

		step(rep, 80, "saving "+ext)
		var saveOpts []imaging.EncodeOption
		if opts.Quality > 0 && opts.Quality <= 100 {
			saveOpts = append(saveOpts, imaging.JPEGQuality(opts.Quality))
		}
		if err := imaging.Save(img, store.Path("image", taskID, ext), saveOpts...); err != nil {
			return fmt.Errorf("save image: %w", err)
		}
		done(rep, "image converted to "+ext)
		return nil
	}
}
