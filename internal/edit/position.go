package edit

import (
	"unicode/utf8"

	"fortio.org/safecast"
)

// Position is a zero-based line and UTF-16 column, as used by LSP.
type Position struct {
	Line      uint32 `json:"line"`
	Character uint32 `json:"character"`
}

// Range is a half-open span of Positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// TextEdit is the LSP wire form of an Edit.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// TextEdit converts e, whose offsets refer to original, into LSP form.
func (e Edit) TextEdit(original string) TextEdit {
	return TextEdit{
		Range: Range{
			Start: PositionAt(original, e.Start),
			End:   PositionAt(original, e.End),
		},
		NewText: e.NewText,
	}
}

// lineBreakLen returns the length of the line terminator starting at i:
// 2 for "\r\n", 1 for a lone '\n' or '\r', 0 otherwise.
func lineBreakLen(text string, i int) int {
	switch text[i] {
	case '\n':
		return 1
	case '\r':
		if i+1 < len(text) && text[i+1] == '\n' {
			return 2
		}
		return 1
	}
	return 0
}

// PositionAt returns the position of the byte offset in text. "\n", "\r\n"
// and a lone "\r" all end a line. Offsets inside a multi-byte rune resolve
// to the start of that rune, offsets inside "\r\n" to the end of the line.
func PositionAt(text string, offset int) Position {
	offset = clamp(offset, 0, len(text))
	line, col := 0, 0
	for i := 0; i < offset; {
		if n := lineBreakLen(text, i); n > 0 {
			if i+n > offset {
				break
			}
			line++
			col = 0
			i += n
			continue
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		if i+size > offset {
			break
		}
		col += utf16Len(r)
		i += size
	}
	return Position{Line: toUint32(line), Character: toUint32(col)}
}

// OffsetAt returns the byte offset of pos in text. Lines past the end resolve
// to len(text); columns past the end of a line resolve to the line end.
func OffsetAt(text string, pos Position) int {
	line := uint32(0)
	i := 0
	for i < len(text) && line < pos.Line {
		if n := lineBreakLen(text, i); n > 0 {
			line++
			i += n
			continue
		}
		i++
	}
	if line < pos.Line {
		return len(text)
	}
	units := uint32(0)
	for i < len(text) && lineBreakLen(text, i) == 0 && units < pos.Character {
		r, size := utf8.DecodeRuneInString(text[i:])
		need := toUint32(utf16Len(r))
		if units+need > pos.Character {
			break
		}
		units += need
		i += size
	}
	return i
}

func utf16Len(r rune) int {
	if r > 0xFFFF {
		return 2
	}
	return 1
}

func toUint32(v int) uint32 {
	out, err := safecast.Conv[uint32](v)
	if err != nil {
		return ^uint32(0)
	}
	return out
}
