package services

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseCitationMarkers(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []int
	}{
		{"single", "Eine Aussage [4] mit Beleg.", []int{4}},
		{"range", "Breit belegt [4-6].", []int{4, 5, 6}},
		{"range with en dash", "Breit belegt [4–6].", []int{4, 5, 6}},
		{"list", "Doppelt belegt [1,2].", []int{1, 2}},
		{"list with spaces", "Doppelt belegt [1, 2].", []int{1, 2}},
		{"mixed", "Erst [1,2] dann später [4-5].", []int{1, 2, 4, 5}},
		{"mixed in one marker", "Kombiniert [1, 3-5].", []int{1, 3, 4, 5}},
		{"first occurrence order", "Spät [7] und früh [2] und nochmal [7].", []int{7, 2}},
		{"no markers", "Text ohne Belege.", nil},
		{"not a marker", "Jahreszahl [2001] bleibt außen vor.", nil},
		{"inverted range ignored", "Kaputt [6-4] und gut [1].", []int{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCitationMarkers(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCitationMarkers(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestFormatCitation(t *testing.T) {
	tests := []struct {
		name    string
		authors string
		date    string
		title   string
		want    string
	}{
		{
			"full",
			"Deutschmann, Christoph", "2001", "Capitalism as Religion",
			"Deutschmann (2001), Capitalism as Religion",
		},
		{
			"multiple authors take first surname",
			"Boltanski, Luc; Chiapello, Ève", "1999", "Der neue Geist des Kapitalismus",
			"Boltanski (1999), Der neue Geist des Kapitalismus",
		},
		{
			"name without comma uses last word",
			"Max Weber", "1905", "Die protestantische Ethik",
			"Weber (1905), Die protestantische Ethik",
		},
		{
			"year inside fuller date",
			"Deutschmann, Christoph", "2001-03-15", "Capitalism as Religion",
			"Deutschmann (2001), Capitalism as Religion",
		},
		{
			"no year",
			"Deutschmann, Christoph", "", "Capitalism as Religion",
			"Deutschmann, Capitalism as Religion",
		},
		{
			"no author",
			"", "2001", "Capitalism as Religion",
			"Capitalism as Religion (2001)",
		},
		{
			"nothing",
			"", "", "Capitalism as Religion",
			"Capitalism as Religion",
		},
		{
			"missing title",
			"Deutschmann, Christoph", "2001", "",
			"Deutschmann (2001), Untitled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatCitation(tt.authors, tt.date, tt.title)
			if got != tt.want {
				t.Errorf("FormatCitation() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRenderEmphasis(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ganz **fett** gesagt", "ganz <strong>fett</strong> gesagt"},
		{"leicht *kursiv* gesetzt", "leicht <em>kursiv</em> gesetzt"},
		{"**fett** und *kursiv*", "<strong>fett</strong> und <em>kursiv</em>"},
		// Unpaarige Sternchen bleiben wörtlich stehen
		{"ein einzelnes * Sternchen", "ein einzelnes * Sternchen"},
		{"offen **bleibt offen", "offen **bleibt offen"},
		{"5 * 3 = 15", "5 * 3 = 15"},
	}

	for _, tt := range tests {
		if got := renderEmphasis(tt.in); got != tt.want {
			t.Errorf("renderEmphasis(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderAnswerHTML(t *testing.T) {
	answer := "Erster Absatz mit Beleg [1].\n\nZweiter Absatz, **wichtig** [2-3]."
	got := RenderAnswerHTML(answer)

	if !strings.Contains(got, `<sup class="citation">[1]</sup>`) {
		t.Errorf("missing citation marker: %q", got)
	}
	if !strings.Contains(got, `<sup class="citation">[2-3]</sup>`) {
		t.Errorf("range marker must stay verbatim inside sup: %q", got)
	}
	if !strings.Contains(got, "<strong>wichtig</strong>") {
		t.Errorf("missing bold conversion: %q", got)
	}
	if strings.Count(got, "<p>") != 2 {
		t.Errorf("expected two paragraphs, got %q", got)
	}
}

func TestRenderAnswerHTMLEscapes(t *testing.T) {
	got := RenderAnswerHTML("Vergleich: a < b & b > c")
	if !strings.Contains(got, "a &lt; b &amp; b &gt; c") {
		t.Errorf("HTML not escaped: %q", got)
	}
}
