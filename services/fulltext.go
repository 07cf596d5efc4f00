package services

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// normalizedText ist eine Suchansicht auf einen Volltext: Whitespace-Läufe
// sind zu einem Leerzeichen kollabiert, typografische Anführungszeichen und
// Gedankenstriche auf ASCII abgebildet. Jedes Byte der Ansicht kennt seine
// Position im Original, damit Treffer zurückgerechnet werden können.
type normalizedText struct {
	text  string
	start []int // Byte-Offset des Original-Runes je Ansicht-Byte
	end   []int // Byte-Offset hinter dem Original-Rune je Ansicht-Byte
}

func normalizeRune(r rune) rune {
	switch r {
	case '‘', '’', '‚', '‹', '›':
		return '\''
	case '“', '”', '„', '«', '»':
		return '"'
	case '‐', '‑', '‒', '–', '—', '―':
		return '-'
	}
	return r
}

func normalize(s string, fold bool) normalizedText {
	var b strings.Builder
	b.Grow(len(s))
	start := make([]int, 0, len(s))
	end := make([]int, 0, len(s))

	inSpace := false
	for i, r := range s {
		size := utf8.RuneLen(r)
		if unicode.IsSpace(r) {
			if !inSpace {
				b.WriteByte(' ')
				start = append(start, i)
				end = append(end, i+size)
			}
			inSpace = true
			continue
		}
		inSpace = false

		r = normalizeRune(r)
		if fold {
			r = unicode.ToLower(r)
		}
		n := b.Len()
		b.WriteRune(r)
		for j := n; j < b.Len(); j++ {
			start = append(start, i)
			end = append(end, i+size)
		}
	}
	return normalizedText{text: b.String(), start: start, end: end}
}

// locate sucht die zitierte Stelle im Volltext, erst exakt, dann
// case-insensitiv. Liefert die Byte-Spanne im Originaltext.
func locate(fulltext, needle string) (int, int, bool) {
	n := normalize(needle, false)
	if strings.TrimSpace(n.text) == "" {
		return 0, 0, false
	}
	probe := strings.TrimSpace(n.text)

	view := normalize(fulltext, false)
	if idx := strings.Index(view.text, probe); idx >= 0 {
		return view.start[idx], view.end[idx+len(probe)-1], true
	}

	foldedProbe := strings.TrimSpace(normalize(needle, true).text)
	foldedView := normalize(fulltext, true)
	if idx := strings.Index(foldedView.text, foldedProbe); idx >= 0 {
		return foldedView.start[idx], foldedView.end[idx+len(foldedProbe)-1], true
	}
	return 0, 0, false
}

// FindContext sucht die zitierte Stelle im Volltext und erweitert sie
// symmetrisch auf etwa window Zeichen. Die Ränder werden auf Absatz- bzw.
// Satzgrenzen eingekürzt, die zitierte Stelle bleibt immer vollständig
// enthalten. Ist die Stelle nicht auffindbar, kommt ("", false) zurück.
func FindContext(fulltext, cited string, window int) (string, bool) {
	matchStart, matchEnd, ok := locate(fulltext, cited)
	if !ok {
		return "", false
	}

	matchLen := matchEnd - matchStart
	if matchLen >= window {
		return strings.TrimSpace(fulltext[matchStart:matchEnd]), true
	}

	pad := (window - matchLen) / 2
	lo := matchStart - pad
	if lo < 0 {
		lo = 0
	}
	hi := matchEnd + pad
	if hi > len(fulltext) {
		hi = len(fulltext)
	}
	lo = alignRuneStart(fulltext, lo)
	hi = alignRuneEnd(fulltext, hi)

	lo, hi = clipToParagraph(fulltext, lo, hi, matchStart, matchEnd)
	lo, hi = clipToSentences(fulltext, lo, hi, matchStart, matchEnd)

	return strings.TrimSpace(fulltext[lo:hi]), true
}

// clipToParagraph hält den Kontext im Absatz der zitierten Stelle.
func clipToParagraph(s string, lo, hi, matchStart, matchEnd int) (int, int) {
	if idx := strings.LastIndex(s[lo:matchStart], "\n\n"); idx >= 0 {
		lo = lo + idx + 2
	}
	if idx := strings.Index(s[matchEnd:hi], "\n\n"); idx >= 0 {
		hi = matchEnd + idx
	}
	return lo, hi
}

// clipToSentences rückt die Fensterränder auf Satzgrenzen: vorne auf den
// nächsten Satzanfang, hinten auf das letzte Satzende im Fenster.
func clipToSentences(s string, lo, hi, matchStart, matchEnd int) (int, int) {
	if idx := strings.Index(s[lo:matchStart], ". "); idx >= 0 {
		lo = lo + idx + 2
	}
	if idx := strings.LastIndex(s[matchEnd:hi], ". "); idx >= 0 {
		// Der Punkt gehört noch zum Kontext
		hi = matchEnd + idx + 1
	}
	return lo, hi
}

func alignRuneStart(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

func alignRuneEnd(s string, i int) int {
	for i > 0 && i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return i
}
