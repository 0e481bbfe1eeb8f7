package glasses

import (
	"math"
	"strings"
	"unicode/utf8"
)

// G1 text canvas.
const (
	DisplayWidth   = 488
	LinesPerScreen = 5
	textMargin     = 5

	// The right column of a double-column page starts at 60% of the width
	// and the left column may use 50%.
	leftColumnWidth  = DisplayWidth / 2
	rightColumnStart = DisplayWidth * 6 / 10

	maxAlignSpaces = 100
)

// Measurer returns the rendered width of a string in pixels.
type Measurer interface {
	Width(s string) int
}

// GlyphTable measures text with per-glyph advances. Each glyph is followed
// by one pixel of spacing and the result is doubled, matching the G1
// firmware's rendering scale.
type GlyphTable struct {
	Widths   map[rune]int
	Fallback int
}

func (g GlyphTable) Width(s string) int {
	w := 0
	for _, r := range s {
		gw, ok := g.Widths[r]
		if !ok {
			gw = g.Fallback
		}
		w += gw + 1
	}
	return w * 2
}

// FixedWidth measures every rune as the same number of pixels.
type FixedWidth int

func (f FixedWidth) Width(s string) int { return int(f) * utf8.RuneCountInString(s) }

// DefaultGlyphs approximates the G1 system font.
var DefaultGlyphs = GlyphTable{Widths: defaultGlyphWidths(), Fallback: 6}

func defaultGlyphWidths() map[rune]int {
	w := map[rune]int{
		' ': 2, '!': 1, '"': 2, '#': 6, '$': 5, '%': 6, '&': 7, '\'': 1,
		'(': 2, ')': 2, '*': 5, '+': 5, ',': 1, '-': 4, '.': 1, '/': 3,
		':': 1, ';': 1, '<': 4, '=': 4, '>': 4, '?': 5, '@': 7,
		'[': 2, '\\': 3, ']': 2, '^': 4, '_': 5, '`': 2,
		'{': 3, '|': 1, '}': 3, '~': 7,
	}
	for r := '0'; r <= '9'; r++ {
		w[r] = 5
	}
	w['1'] = 3
	for r := 'A'; r <= 'Z'; r++ {
		w[r] = 6
	}
	w['I'], w['J'], w['M'], w['W'] = 2, 4, 7, 8
	for r := 'a'; r <= 'z'; r++ {
		w[r] = 5
	}
	w['i'], w['j'], w['l'] = 1, 2, 1
	w['f'], w['t'], w['r'] = 4, 4, 4
	w['m'], w['w'] = 7, 7
	return w
}

var symbolReplacer = strings.NewReplacer("⬆", "^", "⟶", "-")

// SplitLines wraps text into lines no wider than maxWidth, breaking at
// spaces where possible. Explicit newlines start new lines; blank lines are
// kept except at the end.
func SplitLines(m Measurer, text string, maxWidth int) []string {
	text = symbolReplacer.Replace(text)
	if text == "" || text == " " {
		return []string{text}
	}

	raw := strings.Split(text, "\n")
	for len(raw) > 0 && raw[len(raw)-1] == "" {
		raw = raw[:len(raw)-1]
	}

	var lines []string
	for _, rawLine := range raw {
		if rawLine == "" {
			lines = append(lines, "")
			continue
		}
		line := []rune(rawLine)
		width := func(from, to int) int { return m.Width(string(line[from:to])) }

		start := 0
		for start < len(line) {
			if width(start, len(line)) <= maxWidth {
				lines = append(lines, string(line[start:]))
				break
			}

			// Longest prefix that fits; at least one rune so we always
			// make progress.
			best := start + 1
			lo, hi := start+1, len(line)
			for lo <= hi {
				mid := lo + (hi-lo)/2
				if width(start, mid) <= maxWidth {
					best = mid
					lo = mid + 1
				} else {
					hi = mid - 1
				}
			}

			split := best
			for i := best; i > start; i-- {
				if line[i-1] == ' ' {
					split = i
					break
				}
			}

			lines = append(lines, strings.TrimSpace(string(line[start:split])))
			for split < len(line) && line[split] == ' ' {
				split++
			}
			start = split
		}
	}
	return lines
}

// TextWall lays text out as one G1 page: at most LinesPerScreen lines, each
// indented by the margin and newline-terminated.
func TextWall(m Measurer, text string) string {
	marginWidth := textMargin * m.Width(" ")
	lines := SplitLines(m, text, DisplayWidth-2*marginWidth)
	if len(lines) > LinesPerScreen {
		lines = lines[:LinesPerScreen]
	}

	indent := strings.Repeat(" ", textMargin)
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// DoubleColumn lays two texts out side by side. Both columns are padded or
// truncated to LinesPerScreen lines and the right column is aligned with
// spaces.
func DoubleColumn(m Measurer, left, right string) string {
	l := fitLines(SplitLines(m, left, leftColumnWidth))
	r := fitLines(SplitLines(m, right, DisplayWidth-rightColumnStart))
	spaceWidth := m.Width(" ")

	var b strings.Builder
	for i := range LinesPerScreen {
		lt := strings.ReplaceAll(l[i], "\u2002", "")
		rt := strings.ReplaceAll(r[i], "\u2002", "")
		b.WriteString(lt)
		b.WriteString(strings.Repeat(" ", alignSpaces(m.Width(lt), rightColumnStart, spaceWidth)))
		b.WriteString(rt)
		b.WriteByte('\n')
	}
	return b.String()
}

func fitLines(lines []string) []string {
	for len(lines) < LinesPerScreen {
		lines = append(lines, "")
	}
	return lines[:LinesPerScreen]
}

// alignSpaces is the number of spaces that moves a cursor at current to
// target, at least one and at most maxAlignSpaces.
func alignSpaces(current, target, spaceWidth int) int {
	needed := target - current
	if needed <= 0 || spaceWidth <= 0 {
		return 1
	}
	return min(int(math.Ceil(float64(needed)/float64(spaceWidth))), maxAlignSpaces)
}
