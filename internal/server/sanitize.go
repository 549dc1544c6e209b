package server

import (
	"path"
	"path/filepath"
	"strings"
	"unicode"
)

// fallbackName is used when sanitization leaves nothing of the original name.
const fallbackName = "audio"

// SanitizeFilename reduces an uploaded file name to letters, digits and the
// characters "_-.". Anything else, including path separators, is dropped, so
// the result is always safe to use as a bare file name. CJK and other Unicode
// letters survive. An empty result falls back to "audio".
func SanitizeFilename(name string) string {
	// Browsers on Windows may send full paths with backslashes.
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range base {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' {
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), ".")
	if s == "" {
		return fallbackName
	}
	return s
}

// Stem returns the sanitized name without its extension, the base used for
// the transcript download name.
func Stem(sanitized string) string {
	stem := strings.TrimSuffix(sanitized, filepath.Ext(sanitized))
	if stem == "" {
		return fallbackName
	}
	return stem
}
