package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"notebook-bridge/backend"
	"notebook-bridge/models"
)

// ErrSourceNotMatched: die Quelle existiert lokal, ist aber unter keiner
// Backend-Quelle wiederzufinden.
var ErrSourceNotMatched = errors.New("source not found in backend listing")

// ErrBackendUnavailable: es ist gerade kein Backend-Client publiziert.
var ErrBackendUnavailable = errors.New("backend client not available")

// SourceReconciler gleicht lokale Quellen-IDs mit den vom Backend vergebenen
// kanonischen IDs ab. Der Abgleich ist idempotent: eine einmal gesetzte
// kanonische ID wird nie überschrieben, erneute Aufrufe sind billig.
type SourceReconciler struct {
	DB     *gorm.DB
	Holder *backend.Holder
	Logger *zap.Logger
}

// ReconcileReport fasst einen Abgleich über ein ganzes Notebook zusammen.
type ReconcileReport struct {
	Reconciled int      `json:"reconciled"`
	AlreadyOK  int      `json:"already_ok"`
	Missed     []string `json:"missed,omitempty"`
}

// matchBackendSource sucht die Backend-Quelle zu einer lokalen Quelle.
// Dateiname schlägt Titel, exakt schlägt case-insensitiv.
func matchBackendSource(local *models.Source, remote []backend.SourceInfo) (backend.SourceInfo, bool) {
	if local.FileName != "" {
		for _, r := range remote {
			if r.Title == local.FileName {
				return r, true
			}
		}
	}
	if local.Title != "" {
		for _, r := range remote {
			if r.Title == local.Title {
				return r, true
			}
		}
	}
	if local.FileName != "" {
		want := strings.ToLower(local.FileName)
		for _, r := range remote {
			if strings.ToLower(r.Title) == want {
				return r, true
			}
		}
	}
	if local.Title != "" {
		want := strings.ToLower(local.Title)
		for _, r := range remote {
			if strings.ToLower(r.Title) == want {
				return r, true
			}
		}
	}
	return backend.SourceInfo{}, false
}

// Reconcile gleicht eine einzelne Quelle ab. Für bereits abgeglichene
// Quellen kehrt er sofort zurück, ohne das Backend zu befragen.
func (r *SourceReconciler) Reconcile(ctx context.Context, source *models.Source) error {
	if source.IsReconciled() {
		return nil
	}

	client, ok := r.Holder.Get()
	if !ok {
		return ErrBackendUnavailable
	}
	remote, err := client.ListSources(ctx, source.NotebookID)
	if err != nil {
		return fmt.Errorf("backend source listing failed: %w", err)
	}
	return r.reconcileAgainst(source, remote)
}

// reconcileAgainst führt den eigentlichen Abgleich gegen ein bereits
// geholtes Backend-Listing aus.
func (r *SourceReconciler) reconcileAgainst(source *models.Source, remote []backend.SourceInfo) error {
	match, ok := matchBackendSource(source, remote)
	if !ok {
		return fmt.Errorf("%w: %q", ErrSourceNotMatched, source.Title)
	}

	return r.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Source{}).
			Where("id = ? AND canonical_id = ''", source.ID).
			Update("canonical_id", match.ID).Error; err != nil {
			return err
		}
		source.CanonicalID = match.ID

		// Zitate, die unter der kanonischen ID ohne Snapshot angelegt
		// wurden, bekommen die bibliografischen Daten nachgetragen.
		if err := tx.Model(&models.Citation{}).
			Where("source_id = ? AND source_title = ''", match.ID).
			Updates(map[string]interface{}{
				"source_title":   source.Title,
				"source_authors": source.Authors,
				"source_date":    source.PublicationDate,
			}).Error; err != nil {
			return err
		}

		r.Logger.Info("Quelle abgeglichen",
			zap.String("source_id", source.ID),
			zap.String("canonical_id", match.ID),
			zap.String("title", source.Title))
		return nil
	})
}

// ReconcileAll gleicht alle noch offenen Quellen eines Notebooks in einem
// Durchgang ab. Das Backend wird genau einmal befragt; eine nicht
// zuordenbare Quelle bricht den Durchgang nicht ab.
func (r *SourceReconciler) ReconcileAll(ctx context.Context, notebookID string) (*ReconcileReport, error) {
	var sources []models.Source
	if err := r.DB.Where("notebook_id = ?", notebookID).Find(&sources).Error; err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	var pending []*models.Source
	for i := range sources {
		if sources[i].IsReconciled() {
			report.AlreadyOK++
			continue
		}
		pending = append(pending, &sources[i])
	}
	if len(pending) == 0 {
		return report, nil
	}

	client, ok := r.Holder.Get()
	if !ok {
		return nil, ErrBackendUnavailable
	}
	remote, err := client.ListSources(ctx, notebookID)
	if err != nil {
		return nil, fmt.Errorf("backend source listing failed: %w", err)
	}

	for _, src := range pending {
		if err := r.reconcileAgainst(src, remote); err != nil {
			if errors.Is(err, ErrSourceNotMatched) {
				report.Missed = append(report.Missed, src.Title)
				r.Logger.Warn("Quelle nicht im Backend gefunden",
					zap.String("source_id", src.ID),
					zap.String("title", src.Title))
				continue
			}
			return report, err
		}
		report.Reconciled++
	}
	return report, nil
}
