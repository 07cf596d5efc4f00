package models

import (
	"time"

	"gorm.io/datatypes"
)

// Query ist eine gestellte Frage samt Rohantwort des Backends. Nach dem
// finalen Persist unveränderlich; nur die Retry-Metadaten werden vorher gesetzt.
type Query struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	NotebookID string `json:"notebook_id" gorm:"index;not null"`
	Question   string `json:"question" gorm:"type:text;not null"`
	Answer     string `json:"answer,omitempty" gorm:"type:text"`

	ConversationID string `json:"conversation_id,omitempty"`
	TurnNumber     int    `json:"turn_number,omitempty"`
	BatchID        string `json:"batch_id,omitempty" gorm:"index"`

	Status     string     `json:"status" gorm:"index;default:'pending'"` // pending, completed, failed
	AskedAt    time.Time  `json:"asked_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`

	// Observability-Signal: wurde die Frage nach einem Auth-Refresh erneut gestellt?
	Retried bool `json:"retried" gorm:"default:false"`

	Metadata datatypes.JSON `json:"metadata,omitempty" gorm:"type:jsonb"`

	Citations []Citation `json:"citations,omitempty" gorm:"foreignKey:QueryID;constraint:OnDelete:CASCADE"`
}

// TableName gibt explizit den Tabellennamen an.
func (Query) TableName() string {
	return "queries"
}
