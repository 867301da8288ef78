package errors

import (
	"path/filepath"
	"strings"
	"unicode"
)

// maxFileNameLength is the common file system limit for a single path element.
const maxFileNameLength = 255

// ValidateOutputDir validates the directory print jobs are written to.
//
// Validation rules:
//   - Directory cannot be empty
//   - No null bytes or control characters
//   - Must not point at the file system root
func ValidateOutputDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return New(ErrCodeInvalidPath, "output directory cannot be empty")
	}

	for _, r := range dir {
		if r == '\x00' || unicode.IsControl(r) {
			return New(ErrCodeInvalidPath, "output directory contains invalid characters")
		}
	}

	clean := filepath.Clean(dir)
	if clean == string(filepath.Separator) || clean == filepath.VolumeName(clean)+string(filepath.Separator) {
		return New(ErrCodeInvalidPath, "output directory cannot be the file system root")
	}

	return nil
}

// ValidateFileName validates a file name produced for a print job or the combined output.
// It must be a plain base name, not a path.
func ValidateFileName(name string) error {
	if name == "" {
		return New(ErrCodeInvalidPath, "file name cannot be empty")
	}

	if len(name) > maxFileNameLength {
		return New(ErrCodeInvalidPath, "file name too long (max %d bytes)", maxFileNameLength)
	}

	if strings.ContainsAny(name, "/\\") {
		return New(ErrCodeInvalidPath, "file name cannot contain path separators: %q", name)
	}

	if name == "." || name == ".." {
		return New(ErrCodeInvalidPath, "file name cannot be %q", name)
	}

	for _, r := range name {
		if r == '\x00' || unicode.IsControl(r) {
			return New(ErrCodeInvalidPath, "file name contains invalid control characters")
		}
	}

	return nil
}
