package adapter

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/disintegration/imaging"

	"mediatoolkit/internal/artifact"
	"mediatoolkit/internal/task"
)

const (
	effectQuality = 95
	maxFactor     = 10
)

// EnhanceOptions holds multiplicative factors where 1.0 leaves the image unchanged,
// values below 1 reduce the property and values above 1 amplify it.
type EnhanceOptions struct {
	Brightness float64
	Contrast   float64
	Saturation float64
	Sharpness  float64
}

// DefaultEnhanceOptions returns the identity enhancement.
func DefaultEnhanceOptions() EnhanceOptions {
	return EnhanceOptions{Brightness: 1, Contrast: 1, Saturation: 1, Sharpness: 1}
}

func (o EnhanceOptions) validate() error {
	factors := map[string]float64{
		"brightness": o.Brightness,
		"contrast":   o.Contrast,
		"saturation": o.Saturation,
		"sharpness":  o.Sharpness,
	}
	for name, f := range factors {
		if !(f >= 0 && f <= maxFactor) {
			return fmt.Errorf("%w: %s factor must be between 0 and %d", ErrBadOption, name, maxFactor)
		}
	}
	return nil
}

// Filter names one of the fixed image filters.
type Filter string

const (
	FilterNone        Filter = "none"
	FilterBlur        Filter = "blur"
	FilterSharpen     Filter = "sharpen"
	FilterEmboss      Filter = "emboss"
	FilterContour     Filter = "contour"
	FilterEdgeEnhance Filter = "edge_enhance"
	FilterGrayscale   Filter = "grayscale"
	FilterSepia       Filter = "sepia"
)

// ParseFilter maps a filter name to a Filter; empty means none.
func ParseFilter(name string) (Filter, error) {
	f := Filter(strings.ToLower(strings.TrimSpace(name)))
	switch f {
	case "":
		return FilterNone, nil
	case FilterNone, FilterBlur, FilterSharpen, FilterEmboss, FilterContour,
		FilterEdgeEnhance, FilterGrayscale, FilterSepia:
		return f, nil
	}
	return "", fmt.Errorf("%w: filter %q", ErrBadOption, name)
}

var (
	embossKernel      = [9]float64{-1, 0, 0, 0, 1, 0, 0, 0, 0}
	contourKernel     = [9]float64{-1, -1, -1, -1, 8, -1, -1, -1, -1}
	edgeEnhanceKernel = [9]float64{-1, -1, -1, -1, 10, -1, -1, -1, -1}

	sepiaDark  = color.NRGBA{R: 0x70, G: 0x42, B: 0x14, A: 0xff}
	sepiaLight = color.NRGBA{R: 0xc0, G: 0xa8, B: 0x82, A: 0xff}
)

func (f Filter) apply(img image.Image) image.Image {
	switch f {
	case FilterBlur:
		return imaging.Blur(img, 2)
	case FilterSharpen:
		return imaging.Sharpen(img, 1)
	case FilterEmboss:
		return imaging.Convolve3x3(img, embossKernel, &imaging.ConvolveOptions{Bias: 128})
	case FilterContour:
		return imaging.Convolve3x3(img, contourKernel, &imaging.ConvolveOptions{Bias: 255})
	case FilterEdgeEnhance:
		return imaging.Convolve3x3(img, edgeEnhanceKernel, &imaging.ConvolveOptions{Normalize: true})
	case FilterGrayscale:
		return imaging.Grayscale(img)
	case FilterSepia:
		return imaging.AdjustFunc(imaging.Grayscale(img), func(c color.NRGBA) color.NRGBA {
			t := float64(c.R) / 255
			return color.NRGBA{
				R: lerp(sepiaDark.R, sepiaLight.R, t),
				G: lerp(sepiaDark.G, sepiaLight.G, t),
				B: lerp(sepiaDark.B, sepiaLight.B, t),
				A: c.A,
			}
		})
	}
	return img
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*t))
}

// factorPercent turns a multiplicative factor into the percentage imaging expects.
func factorPercent(f, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, (f-1)*100))
}

func enhance(img image.Image, o EnhanceOptions) image.Image {
	if o.Brightness != 1 {
		img = imaging.AdjustBrightness(img, factorPercent(o.Brightness, -100, 100))
	}
	if o.Contrast != 1 {
		img = imaging.AdjustContrast(img, factorPercent(o.Contrast, -100, 100))
	}
	if o.Saturation != 1 {
		img = imaging.AdjustSaturation(img, factorPercent(o.Saturation, -100, 500))
	}
	switch {
	case o.Sharpness > 1:
		img = imaging.Sharpen(img, o.Sharpness-1)
	case o.Sharpness < 1:
		img = imaging.Blur(img, (1-o.Sharpness)*2)
	}
	return img
}

// flatten composites img onto an opaque white canvas since JPEG has no alpha channel.
func flatten(img image.Image) image.Image {
	src := imaging.Clone(img)
	bg := imaging.New(src.Bounds().Dx(), src.Bounds().Dy(), color.White)
	return imaging.Overlay(bg, src, image.Pt(0, 0), 1.0)
}

func saveEffect(ctx context.Context, rep task.Reporter, store *artifact.Store, kind, input string,
	transform func(image.Image) image.Image,
) error {
	img, err := imaging.Open(input, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err //nolint:wrapcheck
	}
	img = transform(img)

	step(rep, 60, "saving image")
	if err := imaging.Save(flatten(img), store.Path(kind, rep.TaskID(), "jpg"), imaging.JPEGQuality(effectQuality)); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

// Enhance applies brightness, contrast, saturation and sharpness factors and writes
// enhanced_image_{taskID}.jpg.
func Enhance(store *artifact.Store, input string, opts EnhanceOptions) task.WorkFunc {
	return func(ctx context.Context, rep task.Reporter) error {
		defer removeInputs(rep.TaskID(), input)

		step(rep, startPercent, "enhancing image")
		if err := opts.validate(); err != nil {
			return err
		}
		if err := saveEffect(ctx, rep, store, "enhanced_image", input, func(img image.Image) image.Image {
			return enhance(img, opts)
		}); err != nil {
			return err
		}
		done(rep, "image enhanced")
		return nil
	}
}

// ApplyFilter runs one named filter and writes filtered_image_{taskID}.jpg.
func ApplyFilter(store *artifact.Store, input string, filter Filter) task.WorkFunc {
	return func(ctx context.Context, rep task.Reporter) error {
		defer removeInputs(rep.TaskID(), input)

		step(rep, startPercent, fmt.Sprintf("applying %s filter", filter))
		f, err := ParseFilter(string(filter))
		if err != nil {
			return err
		}
		if err := saveEffect(ctx, rep, store, "filtered_image", input, f.apply); err != nil {
			return err
		}
		done(rep, fmt.Sprintf("%s filter applied", f))
		return nil
	}
}
