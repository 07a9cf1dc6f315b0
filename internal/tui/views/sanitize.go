package views

import (
	"strings"
	"unicode"
)

// joiners are codepoints tcell draws as stray cells: skin tone modifiers,
// the zero width joiner, and both variation selector blocks.
var joiners = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x200D, Hi: 0x200D, Stride: 1},
		{Lo: 0xFE00, Hi: 0xFE0F, Stride: 1},
	},
	R32: []unicode.Range32{
		{Lo: 0x1F3FB, Hi: 0x1F3FF, Stride: 1},
		{Lo: 0xE0100, Hi: 0xE01EF, Stride: 1},
	},
}

// clean makes user-supplied text safe to draw: emoji joiners are dropped and
// control characters other than newline become spaces.
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.Is(joiners, r):
			return -1
		case r == '\n':
			return r
		case unicode.IsControl(r):
			return ' '
		}
		return r
	}, s)
}
