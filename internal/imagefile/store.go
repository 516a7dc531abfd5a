package imagefile

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

const jpegQuality = 95

// DefaultMaxPixels bounds the decoded canvas when no limit is configured.
const DefaultMaxPixels = 25_000_000

// Store writes uploads as grayscale images under a single directory.
type Store struct {
	dir       string
	maxPixels int64
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithMaxPixels rejects images whose declared width times height exceeds n.
// Non-positive values keep the default.
func WithMaxPixels(n int64) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxPixels = n
		}
	}
}

// NewStore returns a store rooted at dir. The directory is created lazily.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{dir: dir, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the directory uploads are written to.
func (s *Store) Dir() string {
	return s.dir
}

// Save decodes data, converts it to 8-bit grayscale and writes it to a new
// uniquely named file whose encoding follows ext. It returns the file path.
func (s *Store) Save(ctx context.Context, data []byte, ext string) (string, error) {
	// The header is checked first: decoders allocate the full canvas up front.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > s.maxPixels {
		return "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageDecode, cfg.Width, cfg.Height, s.maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrImageDecode, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrStorage, s.dir, err)
	}

	path := filepath.Join(s.dir, uuid.NewString()+ext)
	if err := imaging.Save(toGray(img), path, imaging.JPEGQuality(jpegQuality)); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("%w: write %s: %v", ErrStorage, path, err)
	}
	return path, nil
}

func toGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(gray, gray.Bounds(), img, bounds.Min, draw.Src)
	return gray
}
