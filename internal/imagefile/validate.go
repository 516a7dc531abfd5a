// Package imagefile validates uploaded image names and persists uploads to
// the working directory.
package imagefile

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidFileType is returned for filenames outside the extension allow-list.
	ErrInvalidFileType = errors.New("invalid file type")
	// ErrImageDecode is returned when upload bytes are not a decodable image.
	ErrImageDecode = errors.New("image decode failed")
	// ErrStorage is returned when the decoded image cannot be written.
	ErrStorage = errors.New("image storage failed")
)

var allowedExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
}

// ValidateFilename returns the lower-cased extension of name if it is one of
// .jpg, .jpeg or .png. Leading dots of the base name do not start an
// extension, so ".png" has none.
func ValidateFilename(name string) (string, error) {
	base := strings.TrimLeft(filepath.Base(name), ".")
	ext := strings.ToLower(filepath.Ext(base))
	if _, ok := allowedExtensions[ext]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileType, name)
	}
	return ext, nil
}
