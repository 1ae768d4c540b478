// Package cid derives and validates the on-disk container identifier used to
// name staging and bundle directories.
package cid

import (
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// FromRequest returns the container id for a pull. A non-empty explicit id
// wins; otherwise the id is the last path segment of image with every ':'
// replaced by '_'. The result is always validated with Verify.
func FromRequest(explicitID, image string) (string, error) {
	id := explicitID
	if id == "" {
		if image == "" {
			return "", fmt.Errorf("%w: container id or image must be specified", errdefs.ErrInvalidArgument)
		}
		seg := image
		if i := strings.LastIndexByte(image, '/'); i >= 0 {
			seg = image[i+1:]
		}
		id = strings.ReplaceAll(seg, ":", "_")
	}
	if err := Verify(id); err != nil {
		return "", err
	}
	return id, nil
}

// Verify reports whether id is safe to use as a single path component.
func Verify(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("%w: invalid container id %q", errdefs.ErrInvalidArgument, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '_', r == '-':
		default:
			return fmt.Errorf("%w: invalid character %q in container id %q", errdefs.ErrInvalidArgument, r, id)
		}
	}
	return nil
}
