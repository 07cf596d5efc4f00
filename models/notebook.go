package models

import (
	"time"

	"gorm.io/datatypes"
)

// Notebook ist eine benannte Sammlung von Quellen, die gemeinsam befragt wird.
// Die ID stammt vom Backend (NotebookLM vergibt sie beim Anlegen).
type Notebook struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Title        string         `json:"title" gorm:"not null"`
	LastSyncedAt *time.Time     `json:"last_synced_at,omitempty"`
	SourceCount  int            `json:"source_count" gorm:"default:0"`
	IsActive     bool           `json:"is_active" gorm:"default:true"`
	Metadata     datatypes.JSON `json:"metadata,omitempty" gorm:"type:jsonb"`

	// Ein Notebook besitzt seine Quellen und Queries exklusiv; Löschen kaskadiert.
	Sources []Source `json:"sources,omitempty" gorm:"foreignKey:NotebookID;constraint:OnDelete:CASCADE"`
	Queries []Query  `json:"queries,omitempty" gorm:"foreignKey:NotebookID;constraint:OnDelete:CASCADE"`
}

// TableName gibt explizit den Tabellennamen an.
func (Notebook) TableName() string {
	return "notebooks"
}
