package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"notebook-bridge/auth"
	"notebook-bridge/backend"
	"notebook-bridge/config"
	"notebook-bridge/models"
)

// Zustände einer Frage-Ausführung. Jede Ausführung durchläuft genau einen
// der beiden Pfade:
//
//	ISSUED -> ANSWERED
//	ISSUED -> FAILED_TRANSIENT -> CREDENTIALS_REFRESHED -> REISSUED -> ANSWERED | FAILED_FINAL
//
// Mehr als ein Refresh und mehr als eine Wiederholung pro Frage gibt es
// nicht; schlägt die Wiederholung fehl, ist das Ergebnis endgültig.
const (
	StateIssued               = "ISSUED"
	StateAnswered             = "ANSWERED"
	StateFailedTransient      = "FAILED_TRANSIENT"
	StateCredentialsRefreshed = "CREDENTIALS_REFRESHED"
	StateReissued             = "REISSUED"
	StateFailedFinal          = "FAILED_FINAL"
)

// QueryError ordnet einen Fehler dem Abschnitt zu, in dem er auftrat.
type QueryError struct {
	Leg string // "ask", "refresh" oder "reissue"
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed: %v", e.Leg, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// runAskStateMachine führt eine Frage mit höchstens einem Auth-Refresh und
// einer Wiederholung aus. ask wird pro Versuch neu aufgerufen, damit nach
// einem Refresh der frisch publizierte Client zum Zug kommt.
func runAskStateMachine(
	ctx context.Context,
	ask func(ctx context.Context) (*backend.AskResult, error),
	refresh func(ctx context.Context) error,
) (*backend.AskResult, []string, error) {
	transitions := []string{StateIssued}

	res, err := ask(ctx)
	if err == nil {
		transitions = append(transitions, StateAnswered)
		return res, transitions, nil
	}
	if !backend.IsTransientAuth(err) {
		transitions = append(transitions, StateFailedFinal)
		return nil, transitions, &QueryError{Leg: "ask", Err: err}
	}

	transitions = append(transitions, StateFailedTransient)
	if rerr := refresh(ctx); rerr != nil {
		// Der Refresh-Fehler ist die Ursache, die der Aufrufer sehen muss.
		transitions = append(transitions, StateFailedFinal)
		return nil, transitions, &QueryError{Leg: "refresh", Err: rerr}
	}
	transitions = append(transitions, StateCredentialsRefreshed, StateReissued)

	res, err = ask(ctx)
	if err != nil {
		transitions = append(transitions, StateFailedFinal)
		return nil, transitions, &QueryError{Leg: "reissue", Err: err}
	}
	transitions = append(transitions, StateAnswered)
	return res, transitions, nil
}

// credentialRefresher ist die Sicht des Executors auf den Auth-Refresh.
type credentialRefresher interface {
	FullRefresh(ctx context.Context) (*auth.Result, error)
}

// QueryService führt Fragen gegen ein Notebook aus und persistiert
// Antworten samt Zitaten.
type QueryService struct {
	Config    *config.Config
	DB        *gorm.DB
	Holder    *backend.Holder
	Refresher credentialRefresher
	Logger    *zap.Logger

	// Serialisiert alle Fragen prozessweit. Das Backend verträgt keine
	// parallelen Konversations-Turns, auch nicht über Batches hinweg.
	askMu sync.Mutex
}

func NewQueryService(cfg *config.Config, db *gorm.DB, holder *backend.Holder, refresher *auth.Refresher, logger *zap.Logger) *QueryService {
	return &QueryService{Config: cfg, DB: db, Holder: holder, Refresher: refresher, Logger: logger}
}

// Ask legt die Frage an, führt sie aus und liefert den fertigen Datensatz.
func (s *QueryService) Ask(ctx context.Context, notebookID, question, conversationID string) (*models.Query, error) {
	query := &models.Query{
		NotebookID:     notebookID,
		Question:       question,
		ConversationID: conversationID,
		Status:         "pending",
		AskedAt:        time.Now(),
	}
	if err := s.DB.Create(query).Error; err != nil {
		return nil, err
	}
	if err := s.Run(ctx, query); err != nil {
		return query, err
	}
	return query, nil
}

// execute hält das Ask-Gate und treibt die Zustandsmaschine. Pro Versuch
// wird der Client frisch aus dem Holder geholt, damit nach einem Refresh der
// neue zum Zug kommt.
func (s *QueryService) execute(ctx context.Context, query *models.Query) (*backend.AskResult, []string, error) {
	s.askMu.Lock()
	defer s.askMu.Unlock()

	askFn := func(ctx context.Context) (*backend.AskResult, error) {
		client, ok := s.Holder.Get()
		if !ok {
			return nil, ErrBackendUnavailable
		}
		return client.Ask(ctx, query.NotebookID, query.Question, query.ConversationID)
	}
	refreshFn := func(ctx context.Context) error {
		_, err := s.Refresher.FullRefresh(ctx)
		return err
	}
	return runAskStateMachine(ctx, askFn, refreshFn)
}

// Run führt eine bereits angelegte Frage aus. Wird auch vom Batch-Prozessor
// benutzt.
func (s *QueryService) Run(ctx context.Context, query *models.Query) error {
	res, transitions, err := s.execute(ctx, query)
	query.Retried = contains(transitions, StateReissued)
	query.Metadata = marshalTransitions(transitions)

	if err != nil {
		query.Status = "failed"
		s.Logger.Error("Frage fehlgeschlagen",
			zap.Uint("query_id", query.ID),
			zap.Strings("transitions", transitions),
			zap.Error(err))
		if dberr := s.DB.Model(query).Updates(map[string]interface{}{
			"status":   query.Status,
			"retried":  query.Retried,
			"metadata": query.Metadata,
		}).Error; dberr != nil {
			s.Logger.Error("Status-Update fehlgeschlagen", zap.Error(dberr))
		}
		return err
	}

	now := time.Now()
	query.Answer = res.Answer
	query.ConversationID = res.ConversationID
	query.TurnNumber = res.TurnNumber
	query.Status = "completed"
	query.AnsweredAt = &now

	citations := s.buildCitations(query, res.References)

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(query).Error; err != nil {
			return err
		}
		if len(citations) > 0 {
			if err := tx.Create(&citations).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persisting answer failed: %w", err)
	}
	query.Citations = citations

	s.Logger.Info("Frage beantwortet",
		zap.Uint("query_id", query.ID),
		zap.Int("citations", len(citations)),
		zap.Bool("retried", query.Retried))
	return nil
}

// buildCitations lädt die Quellen des Notebooks und setzt daraus die Zitate
// der Antwort zusammen.
func (s *QueryService) buildCitations(query *models.Query, refs []backend.Reference) []models.Citation {
	// Snapshot-Daten aus den lokalen Quellen des Notebooks
	var sources []models.Source
	if err := s.DB.Where("notebook_id = ?", query.NotebookID).Find(&sources).Error; err != nil {
		s.Logger.Warn("Quellen für Zitat-Snapshot nicht ladbar", zap.Error(err))
	}
	return assembleCitations(query.ID, refs, sources, s.Config.CitationContextChars)
}

// assembleCitations erzeugt zu jeder Referenz genau ein Zitat, in der
// Reihenfolge der Referenzen. Die vom Backend vergebenen Referenznummern
// werden unverändert übernommen, auch bei Lücken oder Dubletten. Die
// bibliografischen Felder sind ein Schnappschuss zum Zitierzeitpunkt.
// ContextText bleibt leer, solange die zitierte Stelle nicht im gespeicherten
// Volltext gefunden wird.
func assembleCitations(queryID uint, refs []backend.Reference, sources []models.Source, window int) []models.Citation {
	byCanonical := make(map[string]*models.Source, len(sources))
	for i := range sources {
		if sources[i].CanonicalID != "" {
			byCanonical[sources[i].CanonicalID] = &sources[i]
		}
	}

	citations := make([]models.Citation, 0, len(refs))
	for _, ref := range refs {
		c := models.Citation{
			QueryID:     queryID,
			Number:      ref.Number,
			SourceID:    ref.SourceID,
			SourceTitle: ref.SourceTitle,
			CitedText:   ref.CitedText,
		}
		if ref.StartChar != 0 || ref.EndChar != 0 {
			start, end := ref.StartChar, ref.EndChar
			c.StartChar, c.EndChar = &start, &end
		}

		src := byCanonical[ref.SourceID]
		if src == nil && ref.SourceTitle != "" {
			// Quelle noch nicht abgeglichen, Zuordnung über den Titel
			for i := range sources {
				if sources[i].Title == ref.SourceTitle || sources[i].FileName == ref.SourceTitle {
					src = &sources[i]
					break
				}
			}
		}
		if src != nil {
			if c.SourceTitle == "" {
				c.SourceTitle = src.Title
			}
			c.SourceAuthors = src.Authors
			c.SourceDate = src.PublicationDate
			if src.Fulltext != "" && ref.CitedText != "" {
				if context, ok := FindContext(src.Fulltext, ref.CitedText, window); ok {
					c.ContextText = context
				}
			}
		}
		citations = append(citations, c)
	}
	return citations
}

func marshalTransitions(transitions []string) datatypes.JSON {
	raw, err := json.Marshal(map[string]interface{}{
		"transitions": transitions,
	})
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
