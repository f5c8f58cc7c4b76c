package ingest

import (
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	defaultSourceName = "source"

	// maxFilenameBytes is the name length limit of common file systems.
	maxFilenameBytes  = 255
	maxExtensionBytes = 16
)

// sanitizeFilename strips any directory components from an uploaded file
// name and replaces any remaining separators. Control characters are
// removed and overlong names are truncated, keeping the extension. Empty
// names, or names which reduce to a relative path element, are replaced
// with a default.
func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}

		return r
	}, name)

	base := strings.TrimSpace(path.Base(strings.TrimSpace(name)))
	switch base {
	case "", ".", "..", "/":
		return defaultSourceName
	}

	return truncateFilename(strings.ReplaceAll(base, "\\", "_"))
}

// truncateFilename shortens the stem of the name so the whole name fits
// within maxFilenameBytes, without splitting a UTF-8 sequence.
func truncateFilename(name string) string {
	if len(name) <= maxFilenameBytes {
		return name
	}

	ext := path.Ext(name)
	if len(ext) > maxExtensionBytes {
		ext = ""
	}

	stem := name[:len(name)-len(path.Ext(name))]
	if ext == "" {
		stem = name
	}

	limit := maxFilenameBytes - len(ext)
	for limit > 0 && !utf8.RuneStart(stem[limit]) {
		limit--
	}

	stem = strings.TrimSpace(stem[:limit])
	if stem == "" {
		return defaultSourceName + ext
	}

	return stem + ext
}
