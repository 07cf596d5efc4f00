package models

import (
	"time"
)

// Source ist ein ins Backend hochgeladenes Dokument. Die lokale ID wird beim
// Upload provisorisch vergeben; NotebookLM vergibt unabhängig davon eine eigene
// (kanonische) ID, die per Reconciliation nachgetragen wird.
type Source struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Kanonische Backend-ID. Einmal gesetzt unveränderlich.
	CanonicalID string `json:"canonical_id,omitempty" gorm:"index"`

	NotebookID string `json:"notebook_id" gorm:"index;not null"`
	Title      string `json:"title" gorm:"not null"`
	SourceType string `json:"source_type" gorm:"default:'pdf'"`
	ZoteroKey  string `json:"zotero_key,omitempty" gorm:"index"`
	FileName   string `json:"file_name,omitempty"`

	// processing solange das Backend die Datei noch verarbeitet, danach ready.
	Status     string    `json:"status" gorm:"index;default:'processing'"`
	UploadedAt time.Time `json:"uploaded_at"`

	// Bibliografische Felder aus Zotero. PublicationDate darf Teilpräzision
	// haben ("2001", "2001-03").
	Authors         string `json:"authors,omitempty"`
	PublicationDate string `json:"publication_date,omitempty"`
	ItemType        string `json:"item_type,omitempty"`

	// Vom Backend extrahierter Volltext, Basis für die Zitat-Anreicherung.
	Fulltext string `json:"-" gorm:"type:text"`

	S3Link string `json:"s3_link,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (Source) TableName() string {
	return "sources"
}

// IsReconciled meldet, ob die kanonische Backend-ID bereits bekannt ist.
func (s *Source) IsReconciled() bool {
	return s.CanonicalID != ""
}
