package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"notebook-bridge/backend"
	"notebook-bridge/models"
)

// NotebookService verwaltet Notebooks lokal und im Backend. Das Backend
// vergibt die IDs, lokal wird gespiegelt.
type NotebookService struct {
	DB     *gorm.DB
	Holder *backend.Holder
	Logger *zap.Logger
}

// Create legt das Notebook im Backend an und spiegelt es lokal.
func (s *NotebookService) Create(ctx context.Context, title string) (*models.Notebook, error) {
	client, ok := s.Holder.Get()
	if !ok {
		return nil, ErrBackendUnavailable
	}
	info, err := client.CreateNotebook(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("backend notebook creation failed: %w", err)
	}

	notebook := &models.Notebook{
		ID:       info.ID,
		Title:    title,
		IsActive: true,
	}
	if err := s.DB.Create(notebook).Error; err != nil {
		return nil, err
	}
	s.Logger.Info("Notebook angelegt", zap.String("notebook_id", notebook.ID), zap.String("title", title))
	return notebook, nil
}

// List liefert alle lokal bekannten Notebooks, neueste zuerst.
func (s *NotebookService) List() ([]models.Notebook, error) {
	var notebooks []models.Notebook
	err := s.DB.Order("created_at DESC").Find(&notebooks).Error
	return notebooks, err
}

// Get lädt ein Notebook samt Quellen.
func (s *NotebookService) Get(notebookID string) (*models.Notebook, error) {
	var notebook models.Notebook
	if err := s.DB.Preload("Sources").First(&notebook, "id = ?", notebookID).Error; err != nil {
		return nil, err
	}
	return &notebook, nil
}

// Sync gleicht den lokalen Spiegel mit dem Backend ab: Titel und
// Quellenzahl werden übernommen, der Sync-Zeitstempel gesetzt.
func (s *NotebookService) Sync(ctx context.Context, notebookID string) (*models.Notebook, error) {
	client, ok := s.Holder.Get()
	if !ok {
		return nil, ErrBackendUnavailable
	}
	info, err := client.GetNotebook(ctx, notebookID)
	if err != nil {
		return nil, fmt.Errorf("backend notebook lookup failed: %w", err)
	}
	remote, err := client.ListSources(ctx, notebookID)
	if err != nil {
		return nil, fmt.Errorf("backend source listing failed: %w", err)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"title":          info.Title,
		"source_count":   len(remote),
		"last_synced_at": now,
	}
	if err := s.DB.Model(&models.Notebook{}).Where("id = ?", notebookID).Updates(updates).Error; err != nil {
		return nil, err
	}
	return s.Get(notebookID)
}

// Delete entfernt das Notebook im Backend und lokal. Die Quellen und
// Fragen hängen per Cascade an der lokalen Zeile.
func (s *NotebookService) Delete(ctx context.Context, notebookID string) error {
	client, ok := s.Holder.Get()
	if !ok {
		return ErrBackendUnavailable
	}
	if err := client.DeleteNotebook(ctx, notebookID); err != nil {
		return fmt.Errorf("backend notebook delete failed: %w", err)
	}
	if err := s.DB.Delete(&models.Notebook{}, "id = ?", notebookID).Error; err != nil {
		return err
	}
	s.Logger.Info("Notebook gelöscht", zap.String("notebook_id", notebookID))
	return nil
}
