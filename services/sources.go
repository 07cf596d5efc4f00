package services

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"notebook-bridge/backend"
	"notebook-bridge/config"
	"notebook-bridge/models"
	"notebook-bridge/storage"
	"notebook-bridge/zotero"
)

// SourceService verwaltet die Quellen eines Notebooks: Upload aus Zotero,
// Volltext-Übernahme, PDF-Ablage nach S3 und Löschung.
type SourceService struct {
	Config     *config.Config
	DB         *gorm.DB
	Holder     *backend.Holder
	Zotero     *zotero.Client
	Reconciler *SourceReconciler
	S3         *storage.S3Client // nil, wenn keine S3-Ablage konfiguriert
	Logger     *zap.Logger
}

// List liefert die Quellen eines Notebooks, neueste zuerst.
func (s *SourceService) List(notebookID string) ([]models.Source, error) {
	var sources []models.Source
	err := s.DB.Where("notebook_id = ?", notebookID).
		Order("uploaded_at DESC").
		Find(&sources).Error
	return sources, err
}

// Get lädt eine Quelle über ihre lokale ID.
func (s *SourceService) Get(sourceID string) (*models.Source, error) {
	var source models.Source
	if err := s.DB.First(&source, "id = ?", sourceID).Error; err != nil {
		return nil, err
	}
	return &source, nil
}

// UploadFromZotero holt das PDF eines Zotero-Eintrags, lädt es ins Notebook
// hoch und legt die Quelle lokal an. Die kanonische ID wird direkt nach dem
// Upload abgeglichen; scheitert der Abgleich, bleibt die Quelle offen und
// der nächste Durchgang holt ihn nach.
func (s *SourceService) UploadFromZotero(ctx context.Context, notebookID, itemKey string) (*models.Source, error) {
	client, ok := s.Holder.Get()
	if !ok {
		return nil, ErrBackendUnavailable
	}

	var count int64
	if err := s.DB.Model(&models.Source{}).Where("notebook_id = ?", notebookID).Count(&count).Error; err != nil {
		return nil, err
	}
	if int(count) >= s.Config.MaxSourcesPerNotebook {
		// Weiche Grenze: das Backend lehnt irgendwann selbst ab
		s.Logger.Warn("Notebook über der empfohlenen Quellenzahl",
			zap.String("notebook_id", notebookID),
			zap.Int64("count", count),
			zap.Int("recommended_max", s.Config.MaxSourcesPerNotebook))
	}

	item, err := s.Zotero.GetItemDetails(ctx, itemKey)
	if err != nil {
		return nil, fmt.Errorf("zotero item lookup failed: %w", err)
	}
	pdfKey, fileName, err := s.Zotero.PDFAttachment(ctx, itemKey)
	if err != nil {
		return nil, fmt.Errorf("zotero attachment lookup failed: %w", err)
	}
	if pdfKey == "" {
		return nil, fmt.Errorf("zotero item %s has no PDF attachment", itemKey)
	}

	localPath, err := s.Zotero.DownloadPDF(ctx, pdfKey, fileName)
	if err != nil {
		return nil, err
	}
	defer os.Remove(localPath)

	source := &models.Source{
		ID:              uuid.NewString(),
		NotebookID:      notebookID,
		Title:           item.Title,
		SourceType:      "pdf",
		ZoteroKey:       itemKey,
		FileName:        fileName,
		Status:          "processing",
		UploadedAt:      time.Now(),
		Authors:         item.Creators,
		PublicationDate: item.Date,
		ItemType:        item.ItemType,
	}
	if err := s.DB.Create(source).Error; err != nil {
		return nil, err
	}

	info, err := client.AddSourceFile(ctx, notebookID, localPath, fileName)
	if err != nil {
		s.DB.Model(source).Update("status", "failed")
		return nil, fmt.Errorf("backend upload failed: %w", err)
	}

	updates := map[string]interface{}{"status": "ready"}
	if info != nil && info.ID != "" {
		// Der Upload hat die kanonische ID gleich mitgeliefert
		source.CanonicalID = info.ID
		updates["canonical_id"] = info.ID
	}
	if err := s.DB.Model(source).Updates(updates).Error; err != nil {
		return nil, err
	}
	source.Status = "ready"

	if !source.IsReconciled() {
		if err := s.Reconciler.Reconcile(ctx, source); err != nil {
			s.Logger.Warn("Abgleich nach Upload offen geblieben",
				zap.String("source_id", source.ID), zap.Error(err))
		}
	}

	if err := s.FetchFulltext(ctx, source); err != nil {
		s.Logger.Warn("Volltext nicht übernommen",
			zap.String("source_id", source.ID), zap.Error(err))
	}

	if s.S3 != nil {
		key := path.Join("notebooks", notebookID, source.ID+"_"+fileName)
		link, err := s.S3.UploadFile(ctx, localPath, key)
		if err != nil {
			s.Logger.Warn("S3-Ablage fehlgeschlagen", zap.Error(err))
		} else if err := s.DB.Model(source).Update("s3_link", link).Error; err == nil {
			source.S3Link = link
		}
	}

	s.Logger.Info("Quelle hochgeladen",
		zap.String("source_id", source.ID),
		zap.String("canonical_id", source.CanonicalID),
		zap.String("title", source.Title))
	return source, nil
}

// FetchFulltext holt den extrahierten Volltext vom Backend und persistiert
// ihn. Ohne kanonische ID gibt es nichts zu holen.
func (s *SourceService) FetchFulltext(ctx context.Context, source *models.Source) error {
	if !source.IsReconciled() {
		return fmt.Errorf("source %s not reconciled yet", source.ID)
	}
	client, ok := s.Holder.Get()
	if !ok {
		return ErrBackendUnavailable
	}
	ft, err := client.GetFulltext(ctx, source.NotebookID, source.CanonicalID)
	if err != nil {
		return fmt.Errorf("fulltext fetch failed: %w", err)
	}
	if ft.Text == "" {
		return fmt.Errorf("backend returned empty fulltext for %s", source.CanonicalID)
	}
	if err := s.DB.Model(source).Update("fulltext", ft.Text).Error; err != nil {
		return err
	}
	source.Fulltext = ft.Text
	return nil
}

// Delete entfernt eine Quelle lokal und, falls abgeglichen, auch im Backend.
func (s *SourceService) Delete(ctx context.Context, sourceID string) error {
	source, err := s.Get(sourceID)
	if err != nil {
		return err
	}

	if source.IsReconciled() {
		client, ok := s.Holder.Get()
		if !ok {
			return ErrBackendUnavailable
		}
		if err := client.DeleteSource(ctx, source.NotebookID, source.CanonicalID); err != nil {
			return fmt.Errorf("backend delete failed: %w", err)
		}
	}
	return s.DB.Delete(source).Error
}
