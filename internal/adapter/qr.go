package adapter

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"mediatoolkit/internal/artifact"
	fileutil "mediatoolkit/internal/file"
	"mediatoolkit/internal/task"
)

const (
	defaultQRSize = 256
	maxQRSize     = 4096
)

// QROptions describes the code to render. Colors accept names (black, white, red, green,
// blue) or #RRGGBB.
type QROptions struct {
	Content    string
	Level      string
	Size       int
	Foreground string
	Background string
}

var namedColors = map[string]color.RGBA{
	"black": {0, 0, 0, 255},
	"white": {255, 255, 255, 255},
	"red":   {255, 0, 0, 255},
	"green": {0, 128, 0, 255},
	"blue":  {0, 0, 255, 255},
}

// ParseColor reads a named color or a #RRGGBB hex value.
func ParseColor(s string) (color.RGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	hexValue := strings.TrimPrefix(s, "#")
	if len(hexValue) != 6 {
		return color.RGBA{}, fmt.Errorf("%w: color %q", ErrBadOption, s)
	}
	v, err := strconv.ParseUint(hexValue, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("%w: color %q", ErrBadOption, s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// RecoveryLevel maps L/M/Q/H to the encoder's error-correction levels; empty means M.
func RecoveryLevel(s string) (qrcode.RecoveryLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L":
		return qrcode.Low, nil
	case "", "M":
		return qrcode.Medium, nil
	case "Q":
		return qrcode.High, nil
	case "H":
		return qrcode.Highest, nil
	default:
		return qrcode.Medium, fmt.Errorf("%w: error correction %q", ErrBadOption, s)
	}
}

// Validate checks the options without rendering anything.
func (o QROptions) Validate() error {
	_, _, err := o.normalize()
	return err
}

func (o QROptions) normalize() (qrcode.RecoveryLevel, int, error) {
	if strings.TrimSpace(o.Content) == "" {
		return qrcode.Medium, 0, fmt.Errorf("%w: empty QR content", ErrBadOption)
	}
	level, err := RecoveryLevel(o.Level)
	if err != nil {
		return level, 0, err
	}
	size := o.Size
	if size == 0 {
		size = defaultQRSize
	}
	if size < 0 || size > maxQRSize {
		return level, 0, fmt.Errorf("%w: size %d", ErrBadOption, size)
	}
	for _, c := range []string{o.Foreground, o.Background} {
		if c == "" {
			continue
		}
		if _, err := ParseColor(c); err != nil {
			return level, 0, err
		}
	}
	return level, size, nil
}

// QR renders opts.Content to qr_code_{taskID}.png.
func QR(store *artifact.Store, opts QROptions) task.WorkFunc {
	return func(_ context.Context, rep task.Reporter) error {
		taskID := rep.TaskID()
		step(rep, startPercent, "generating QR code")

		level, size, err := opts.normalize()
		if err != nil {
			return err
		}

		code, err := qrcode.New(opts.Content, level)
		if err != nil {
			return fmt.Errorf("encode QR: %w", err)
		}
		if opts.Foreground != "" {
			if code.ForegroundColor, err = ParseColor(opts.Foreground); err != nil {
				return err
			}
		}
		if opts.Background != "" {
			if code.BackgroundColor, err = ParseColor(opts.Background); err != nil {
				return err
			}
		}

		step(rep, 60, "rendering image")
		png, err := code.PNG(size)
		if err != nil {
			return fmt.Errorf("render QR: %w", err)
		}
		if _, err := fileutil.CopyAtomic(store.Path("qr_code", taskID, ".png"), bytes.NewReader(png)); err != nil {
			return fmt.Errorf("write QR: %w", err)
		}
		done(rep, "QR code generated")
		return nil
	}
}
