package embedder

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// ImageInfo is what DecodeImageConfig learns from an image header.
type ImageInfo struct {
	Format string
	Width  int
	Height int
}

// DecodeImageConfig parses the image header without decoding pixels.
// Bytes that are not a JPEG or PNG yield ErrUnreadableImage.
func DecodeImageConfig(data []byte) (ImageInfo, error) {
	if err := ValidateImage(data); err != nil {
		return ImageInfo{}, err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return ImageInfo{}, fmt.Errorf("%w: empty %s image", ErrUnreadableImage, format)
	}
	return ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}
