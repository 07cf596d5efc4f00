package models

import "time"

// Citation ist ein einzelner Verweis einer Antwort auf eine Quelle. Die
// Referenznummer entspricht exakt der Nummer im Antworttext und ist pro Query
// eindeutig.
type Citation struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	QueryID uint `json:"query_id" gorm:"index;not null"`
	Number  int  `json:"number" gorm:"not null"`

	// Schwache Referenz auf die Quelle über deren kanonische Backend-ID.
	// Bleibt leer auflösbar, solange die Reconciliation noch nicht lief.
	SourceID    string `json:"source_id,omitempty" gorm:"index"`
	SourceTitle string `json:"source_title,omitempty"`

	// Kurzer Zitat-Ausschnitt, wie vom Backend geliefert.
	CitedText string `json:"cited_text,omitempty" gorm:"type:text"`

	// Angereicherter Kontext aus dem gespeicherten Volltext. Leer, bis die
	// Anreicherung greift; enthält dann immer den zitierten Ausschnitt.
	ContextText string `json:"context_text,omitempty" gorm:"type:text"`

	StartChar *int `json:"start_char,omitempty"`
	EndChar   *int `json:"end_char,omitempty"`

	// Bibliografischer Schnappschuss zum Zitierzeitpunkt. Spätere Edits an der
	// Quelle ändern historische Zitate nicht.
	SourceAuthors string `json:"source_authors,omitempty"`
	SourceDate    string `json:"source_date,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (Citation) TableName() string {
	return "citations"
}
