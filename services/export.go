package services

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"notebook-bridge/models"
)

// Zitat-Marker im Antworttext: [4], [4-6] (auch mit Halbgeviertstrich),
// [1,2] sowie Mischformen wie [1, 3-5].
var markerRe = regexp.MustCompile(`\[(\d{1,3}(?:\s*[-–,]\s*\d{1,3})*)\]`)

var (
	boldRe   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicRe = regexp.MustCompile(`\*([^*]+)\*`)
	yearRe   = regexp.MustCompile(`\b(\d{4})\b`)
)

// ExportFootnote ist eine aufgelöste Fußnote im Export.
type ExportFootnote struct {
	Number    int    `json:"number"`
	Formatted string `json:"formatted"`
	CitedText string `json:"cited_text,omitempty"`
	Context   string `json:"context,omitempty"`
}

// ExportDocument ist eine exportierte Antwort samt Fußnotenapparat.
type ExportDocument struct {
	QueryID   uint             `json:"query_id"`
	Question  string           `json:"question"`
	HTML      string           `json:"html"`
	Footnotes []ExportFootnote `json:"footnotes"`
}

// ParseCitationMarkers liest alle referenzierten Zitatnummern aus einem
// Antworttext, Bereiche aufgelöst, in der Reihenfolge des ersten
// Vorkommens und ohne Dubletten.
func ParseCitationMarkers(text string) []int {
	seen := make(map[int]bool)
	var order []int

	for _, m := range markerRe.FindAllStringSubmatch(text, -1) {
		for _, part := range strings.Split(m[1], ",") {
			part = strings.TrimSpace(part)
			lo, hi, ok := parseMarkerPart(part)
			if !ok {
				continue
			}
			for n := lo; n <= hi; n++ {
				if !seen[n] {
					seen[n] = true
					order = append(order, n)
				}
			}
		}
	}
	return order
}

// parseMarkerPart zerlegt "4" oder "4-6" (auch "4–6") in eine Spanne.
func parseMarkerPart(part string) (lo, hi int, ok bool) {
	sep := "-"
	if strings.Contains(part, "–") {
		sep = "–"
	}
	if !strings.Contains(part, sep) {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, 0, false
		}
		return n, n, true
	}
	pieces := strings.SplitN(part, sep, 2)
	lo, err1 := strconv.Atoi(strings.TrimSpace(pieces[0]))
	hi, err2 := strconv.Atoi(strings.TrimSpace(pieces[1]))
	if err1 != nil || err2 != nil || hi < lo {
		return 0, 0, false
	}
	return lo, hi, true
}

// primarySurname liefert den Nachnamen des Erstautors aus einem
// "Nachname, Vorname; ..."-String. Bei Namen ohne Komma zählt das letzte
// Wort als Nachname.
func primarySurname(authors string) string {
	first := authors
	if idx := strings.Index(first, ";"); idx >= 0 {
		first = first[:idx]
	}
	first = strings.TrimSpace(first)
	if first == "" {
		return ""
	}
	if idx := strings.Index(first, ","); idx >= 0 {
		return strings.TrimSpace(first[:idx])
	}
	fields := strings.Fields(first)
	return fields[len(fields)-1]
}

func yearOf(date string) string {
	if m := yearRe.FindStringSubmatch(date); m != nil {
		return m[1]
	}
	return ""
}

// FormatCitation baut die Fußnotenzeile "Nachname (Jahr), Titel". Fehlende
// Teile werden weggelassen statt als Platzhalter ausgegeben.
func FormatCitation(authors, date, title string) string {
	if title == "" {
		title = "Untitled"
	}
	surname := primarySurname(authors)
	year := yearOf(date)

	switch {
	case surname != "" && year != "":
		return fmt.Sprintf("%s (%s), %s", surname, year, title)
	case surname != "":
		return fmt.Sprintf("%s, %s", surname, title)
	case year != "":
		return fmt.Sprintf("%s (%s)", title, year)
	default:
		return title
	}
}

// renderEmphasis übersetzt **fett** und *kursiv* nach HTML. Unpaarige
// Sternchen bleiben wörtlich stehen.
func renderEmphasis(s string) string {
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	s = italicRe.ReplaceAllString(s, "<em>$1</em>")
	return s
}

// RenderAnswerHTML setzt einen Antworttext als HTML: Absätze, Zitat-Marker
// als hochgestellte Verweise, Markdown-Hervorhebungen aufgelöst.
func RenderAnswerHTML(answer string) string {
	var b strings.Builder
	for _, para := range strings.Split(answer, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		escaped := html.EscapeString(para)
		escaped = strings.ReplaceAll(escaped, "\n", "<br>\n")
		escaped = markerRe.ReplaceAllString(escaped, `<sup class="citation">[$1]</sup>`)
		escaped = renderEmphasis(escaped)
		b.WriteString("<p>")
		b.WriteString(escaped)
		b.WriteString("</p>\n")
	}
	return b.String()
}

// ExportService setzt beantwortete Fragen in exportierbare Dokumente um.
type ExportService struct {
	DB     *gorm.DB
	Logger *zap.Logger
}

func NewExportService(db *gorm.DB, logger *zap.Logger) *ExportService {
	return &ExportService{DB: db, Logger: logger}
}

// ExportQuery rendert eine Antwort samt Fußnoten. In den Fußnotenapparat
// kommen nur Zitate, deren Nummer im Text tatsächlich referenziert wird,
// aufsteigend sortiert.
func (s *ExportService) ExportQuery(queryID uint) (*ExportDocument, error) {
	var query models.Query
	if err := s.DB.Preload("Citations").First(&query, queryID).Error; err != nil {
		return nil, err
	}
	if query.Status != "completed" {
		return nil, fmt.Errorf("query %d is not completed (status %q)", queryID, query.Status)
	}

	referenced := make(map[int]bool)
	for _, n := range ParseCitationMarkers(query.Answer) {
		referenced[n] = true
	}

	byNumber := make(map[int]*models.Citation)
	for i := range query.Citations {
		c := &query.Citations[i]
		if _, dup := byNumber[c.Number]; !dup {
			byNumber[c.Number] = c
		}
	}

	var footnotes []ExportFootnote
	for n, c := range byNumber {
		if !referenced[n] {
			continue
		}
		footnotes = append(footnotes, ExportFootnote{
			Number:    n,
			Formatted: FormatCitation(c.SourceAuthors, c.SourceDate, c.SourceTitle),
			CitedText: c.CitedText,
			Context:   c.ContextText,
		})
	}
	sort.Slice(footnotes, func(i, j int) bool { return footnotes[i].Number < footnotes[j].Number })

	return &ExportDocument{
		QueryID:   query.ID,
		Question:  query.Question,
		HTML:      RenderAnswerHTML(query.Answer),
		Footnotes: footnotes,
	}, nil
}

// ExportNotebook rendert alle beantworteten Fragen eines Notebooks.
func (s *ExportService) ExportNotebook(notebookID string) ([]ExportDocument, error) {
	var queries []models.Query
	if err := s.DB.Preload("Citations").
		Where("notebook_id = ? AND status = ?", notebookID, "completed").
		Order("asked_at ASC").
		Find(&queries).Error; err != nil {
		return nil, err
	}

	docs := make([]ExportDocument, 0, len(queries))
	for i := range queries {
		doc, err := s.ExportQuery(queries[i].ID)
		if err != nil {
			s.Logger.Warn("Export einer Frage übersprungen",
				zap.Uint("query_id", queries[i].ID), zap.Error(err))
			continue
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}
