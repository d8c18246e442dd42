// Package shrink reduces oversized message payloads so a rejected request
// can be retried once at a smaller size.
package shrink

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"

	"github.com/vnmchuo/llm-dispatch/internal/provider"
)

// Shrinker returns a semantically-equivalent but smaller message set.
// Implementations must not mutate the input.
type Shrinker interface {
	Shrink(messages []provider.Message) []provider.Message
}

const (
	defaultTargetBytes = 800 * 1024      // downscale toward this size
	defaultSkipBelow   = 2 * 1024 * 1024 // images at or under this pass through
)

// ImageShrinker downscales large image attachments and re-encodes them as
// JPEG. Text content is never touched.
type ImageShrinker struct {
	TargetBytes int
	SkipBelow   int

	logger *slog.Logger
}

func NewImageShrinker(logger *slog.Logger) *ImageShrinker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageShrinker{
		TargetBytes: defaultTargetBytes,
		SkipBelow:   defaultSkipBelow,
		logger:      logger,
	}
}

func (s *ImageShrinker) Shrink(messages []provider.Message) []provider.Message {
	out := make([]provider.Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if len(msg.Images) == 0 {
			continue
		}
		images := make([]provider.Image, len(msg.Images))
		for j, img := range msg.Images {
			images[j] = s.shrinkImage(img)
		}
		out[i].Images = images
	}
	return out
}

// shrinkImage returns the original attachment whenever reduction is not
// possible (small enough, undecodable, or bad base64).
func (s *ImageShrinker) shrinkImage(img provider.Image) provider.Image {
	raw, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		s.logger.Warn("image shrink skipped: invalid base64", "error", err)
		return img
	}
	if len(raw) <= s.SkipBelow {
		return img
	}

	decoded, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		s.logger.Warn("image shrink skipped: undecodable image", "format", img.Format, "error", err)
		return img
	}

	bounds := decoded.Bounds()
	scale := math.Min(1.0, math.Sqrt(float64(s.TargetBytes)/float64(len(raw))))
	w := int(float64(bounds.Dx()) * scale)
	h := int(float64(bounds.Dy()) * scale)
	if w < 1 || h < 1 {
		return img
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resizeNearest(decoded, w, h), &jpeg.Options{Quality: 85}); err != nil {
		s.logger.Warn("image shrink skipped: re-encode failed", "error", err)
		return img
	}

	s.logger.Info("shrunk oversized image",
		"from_bytes", len(raw), "to_bytes", buf.Len(),
		"width", w, "height", h)

	return provider.Image{
		Format: "jpeg",
		Data:   base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
}

// resizeNearest is a nearest-neighbor downscale. Quality is secondary here;
// the point is hitting the payload size limit.
func resizeNearest(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	sb := src.Bounds()
	for y := 0; y < h; y++ {
		sy := sb.Min.Y + y*sb.Dy()/h
		for x := 0; x < w; x++ {
			sx := sb.Min.X + x*sb.Dx()/w
			dst.Set(x, y, color.RGBAModel.Convert(src.At(sx, sy)))
		}
	}
	return dst
}
