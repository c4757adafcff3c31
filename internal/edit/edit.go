// Package edit turns formatter output into document edits.
package edit

import "unicode/utf8"

// Edit replaces the byte range [Start, End) of the original text with NewText.
type Edit struct {
	Start   int
	End     int
	NewText string
}

// Compute returns a full-document replacement of original by formatted.
// It reports false when the texts are identical and no edit must be applied.
func Compute(original, formatted string) (Edit, bool) {
	if original == formatted {
		return Edit{}, false
	}
	return Edit{Start: 0, End: len(original), NewText: formatted}, true
}

// Minimal is like Compute but trims the common prefix and suffix. Both ends
// stay on rune boundaries and never fall between the bytes of a "\r\n"
// line terminator, which LSP positions cannot address.
func Minimal(original, formatted string) (Edit, bool) {
	if original == formatted {
		return Edit{}, false
	}
	limit := min(len(original), len(formatted))
	prefix := 0
	for prefix < limit && original[prefix] == formatted[prefix] {
		prefix++
	}
	for prefix > 0 && prefix < len(original) && !utf8.RuneStart(original[prefix]) {
		prefix--
	}
	if splitsCRLF(original, prefix) {
		prefix--
	}

	suffix := 0
	for suffix < limit-prefix && original[len(original)-1-suffix] == formatted[len(formatted)-1-suffix] {
		suffix++
	}
	for suffix > 0 && !utf8.RuneStart(original[len(original)-suffix]) {
		suffix--
	}
	if suffix > 0 && splitsCRLF(original, len(original)-suffix) {
		suffix--
	}

	return Edit{
		Start:   prefix,
		End:     len(original) - suffix,
		NewText: formatted[prefix : len(formatted)-suffix],
	}, true
}

// splitsCRLF reports whether offset lies between '\r' and '\n'.
func splitsCRLF(text string, offset int) bool {
	return offset > 0 && offset < len(text) && text[offset-1] == '\r' && text[offset] == '\n'
}

// Apply applies e to text. Offsets outside text are clamped.
func Apply(text string, e Edit) string {
	start := clamp(e.Start, 0, len(text))
	end := clamp(e.End, start, len(text))
	return text[:start] + e.NewText + text[end:]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
