// Package backend definiert den Vertrag zum NotebookLM-Backend. Die
// Protokoll-Implementierung selbst lebt hinter der Bridge (siehe
// backend/notebooklm); hier stehen nur Schnittstelle, typisierte Fehler und
// die Klassifikation für den Retry-Pfad.
package backend

import (
	"context"
	"errors"
	"strings"
)

// Reference ist ein Roh-Verweis aus einer Backend-Antwort. Number ist die
// Fußnotennummer, wie sie im Antworttext steht.
type Reference struct {
	SourceID    string `json:"source_id"`
	SourceTitle string `json:"source_title,omitempty"`
	Number      int    `json:"citation_number"`
	CitedText   string `json:"cited_text"`
	StartChar   int    `json:"start_char,omitempty"`
	EndChar     int    `json:"end_char,omitempty"`
}

// AskResult ist die Antwort des Backends auf eine Frage.
type AskResult struct {
	Answer         string      `json:"answer"`
	ConversationID string      `json:"conversation_id"`
	TurnNumber     int         `json:"turn_number"`
	IsFollowUp     bool        `json:"is_follow_up"`
	References     []Reference `json:"references"`
}

// SourceInfo beschreibt eine Quelle, wie das Backend sie kennt. Die ID hier
// ist die kanonische.
type SourceInfo struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Kind    string `json:"kind,omitempty"`
	IsReady bool   `json:"is_ready"`
}

// NotebookInfo beschreibt ein Notebook auf Backend-Seite.
type NotebookInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Fulltext ist der extrahierte Volltext einer Quelle samt Backend-Titel.
type Fulltext struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Client ist die opake Fähigkeit "Fragen beantworten". Alle Aufrufe können
// für die Dauer des Remote-Roundtrips blockieren.
type Client interface {
	Ask(ctx context.Context, notebookID, question, conversationID string) (*AskResult, error)
	ListSources(ctx context.Context, notebookID string) ([]SourceInfo, error)
	GetFulltext(ctx context.Context, notebookID, sourceID string) (*Fulltext, error)
	AddSourceFile(ctx context.Context, notebookID, filePath, fileName string) (*SourceInfo, error)
	DeleteSource(ctx context.Context, notebookID, sourceID string) error
	CreateNotebook(ctx context.Context, title string) (*NotebookInfo, error)
	GetNotebook(ctx context.Context, notebookID string) (*NotebookInfo, error)
	DeleteNotebook(ctx context.Context, notebookID string) error
	Close() error
}

// Factory baut aus einem Browser-Storage-State einen frischen Client. Wird
// vom Auth-Refresh benutzt, um den Singleton zu ersetzen.
type Factory func(ctx context.Context, authJSON string) (Client, error)

// Typisierte Backend-Fehler. Alle drei gelten als transient-auth und lösen
// genau einen Refresh-plus-Retry aus.
var (
	ErrInvalidSession = errors.New("backend: session invalid or unauthenticated")
	ErrRPCRejected    = errors.New("backend: no result found for rpc")
	ErrTimeout        = errors.New("backend: chat request timed out")
)

// Fehlersignaturen, die auf eine abgelaufene Session hindeuten. Ergänzt die
// typisierten Fehler für Fälle, in denen nur eine Textmeldung durchkommt.
var transientSignatures = []string{
	"not available",
	"no result found for rpc",
	"chat request timed out",
	"session",
	"unauthorized",
	"unauthenticated",
}

// IsTransientAuth klassifiziert einen Backend-Fehler. true heißt: Refresh und
// genau ein erneuter Versuch lohnen sich, alles andere ist final.
func IsTransientAuth(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidSession) || errors.Is(err, ErrRPCRejected) || errors.Is(err, ErrTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
