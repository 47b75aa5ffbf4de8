package transcode

import (
	"bytes"
	"context"
	"fmt"
	"image"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"
	"github.com/rs/zerolog"

	"github.com/image-mill/image-mill/variant"
)

// Options are the per-format encode parameters. They are part of the
// transcode inputs: the same source, width, format and options always
// produce the same bytes.
type Options struct {
	// AVIFQuality is 0..100, higher is better.
	AVIFQuality int
	// AVIFSpeed is 0..10, higher is faster and larger.
	AVIFSpeed int
	// WebPQuality is 0..100.
	WebPQuality int
	// WebPMethod is 0..6, higher is slower and smaller.
	WebPMethod int
	// JPEGQuality applies when re-encoding a jpeg source at a new width.
	JPEGQuality int
}

// DefaultOptions returns the encode parameters used when the config
// does not override them.
func DefaultOptions() Options {
	return Options{
		AVIFQuality: 60,
		AVIFSpeed:   6,
		WebPQuality: 80,
		WebPMethod:  4,
		JPEGQuality: 85,
	}
}

// Engine produces derivative bytes for variant keys. It holds no
// mutable state beyond the pool it schedules on.
type Engine struct {
	pool *Pool
	opts Options
	log  zerolog.Logger
}

func NewEngine(pool *Pool, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		pool: pool,
		opts: opts,
		log:  logger.With().Str("component", "transcode").Logger(),
	}
}

// Transcode decodes src, resizes it to the given width preserving
// aspect ratio, and encodes it in the target format. Sources narrower
// than width are never upscaled; they re-encode at native size. The
// pixel work runs on the bounded pool; ctx only bounds the wait for a
// free worker.
func (e *Engine) Transcode(ctx context.Context, src []byte, width int, format variant.Format) ([]byte, error) {
	var out []byte
	var encErr error
	if err := e.pool.Run(ctx, func() {
		out, encErr = e.transcode(src, width, format)
	}); err != nil {
		return nil, err
	}
	return out, encErr
}

func (e *Engine) transcode(src []byte, width int, format variant.Format) ([]byte, error) {
	img, decoder, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("decode source: %w", err)}
	}
	if width < img.Bounds().Dx() {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	switch format {
	case variant.FormatAVIF:
		err = avif.Encode(buf, img, avif.Options{
			Quality:           e.opts.AVIFQuality,
			QualityAlpha:      e.opts.AVIFQuality,
			Speed:             e.opts.AVIFSpeed,
			ChromaSubsampling: image.YCbCrSubsampleRatio420,
		})
	case variant.FormatWebP:
		err = e.encodeWebP(buf, img)
	case variant.FormatOriginal:
		err = e.encodeAsSource(buf, img, decoder)
	default:
		return nil, &PermanentError{Err: fmt.Errorf("unknown output format %q", format)}
	}
	if err != nil {
		if IsPermanent(err) || IsTransient(err) {
			return nil, err
		}
		return nil, &TransientError{Err: fmt.Errorf("encode %s: %w", format, err)}
	}
	return buf.Bytes(), nil
}

func (e *Engine) encodeWebP(buf *bytes.Buffer, img image.Image) error {
	return webp.Encode(buf, img, webp.Options{
		Quality: e.opts.WebPQuality,
		Method:  e.opts.WebPMethod,
	})
}

// encodeAsSource re-encodes in the source's own format, for keys that
// keep the original encoding. Animated sources come out as their first
// frame.
func (e *Engine) encodeAsSource(buf *bytes.Buffer, img image.Image, decoder string) error {
	switch decoder {
	case "jpeg":
		return imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(e.opts.JPEGQuality))
	case "png":
		return imaging.Encode(buf, img, imaging.PNG)
	case "gif":
		return imaging.Encode(buf, img, imaging.GIF)
	case "webp":
		return e.encodeWebP(buf, img)
	}
	return &PermanentError{Err: fmt.Errorf("cannot re-encode %s source", decoder)}
}
