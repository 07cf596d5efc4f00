package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"notebook-bridge/config"
	"notebook-bridge/models"
)

// BatchService nimmt Fragenlisten entgegen und arbeitet sie im Hintergrund
// strikt sequentiell ab. Parallele Fragen an dasselbe Notebook bringen die
// Konversation durcheinander, deshalb läuft pro Batch genau ein Worker.
type BatchService struct {
	Config  *config.Config
	DB      *gorm.DB
	Queries *QueryService
	Logger  *zap.Logger
}

// BatchStatus fasst den Stand eines Batches zusammen.
type BatchStatus struct {
	BatchID   string `json:"batch_id"`
	Total     int64  `json:"total"`
	Pending   int64  `json:"pending"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// Submit legt die Fragen als pending an und startet die Abarbeitung im
// Hintergrund. Zurück kommt sofort die Batch-ID.
func (s *BatchService) Submit(notebookID string, questions []string) (string, error) {
	if len(questions) == 0 {
		return "", fmt.Errorf("batch contains no questions")
	}

	batchID := uuid.NewString()[:8]
	queries := make([]models.Query, 0, len(questions))
	now := time.Now()
	for _, q := range questions {
		queries = append(queries, models.Query{
			NotebookID: notebookID,
			Question:   q,
			BatchID:    batchID,
			Status:     "pending",
			AskedAt:    now,
		})
	}
	if err := s.DB.Create(&queries).Error; err != nil {
		return "", err
	}

	go s.process(batchID)

	s.Logger.Info("Batch angenommen",
		zap.String("batch_id", batchID),
		zap.String("notebook_id", notebookID),
		zap.Int("questions", len(questions)))
	return batchID, nil
}

// process arbeitet die Fragen eines Batches in Anlege-Reihenfolge ab, mit
// Pause zwischen den Fragen. Eine fehlgeschlagene Frage stoppt den Batch
// nicht.
func (s *BatchService) process(batchID string) {
	ctx := context.Background()
	delay := time.Duration(s.Config.BatchDelaySeconds * float64(time.Second))

	var queries []models.Query
	if err := s.DB.Where("batch_id = ? AND status = ?", batchID, "pending").
		Order("id ASC").
		Find(&queries).Error; err != nil {
		s.Logger.Error("Batch nicht ladbar", zap.String("batch_id", batchID), zap.Error(err))
		return
	}

	for i := range queries {
		if i > 0 {
			time.Sleep(delay)
		}
		if err := s.Queries.Run(ctx, &queries[i]); err != nil {
			s.Logger.Warn("Batch-Frage fehlgeschlagen",
				zap.String("batch_id", batchID),
				zap.Uint("query_id", queries[i].ID),
				zap.Error(err))
		}
	}
	s.Logger.Info("Batch abgearbeitet", zap.String("batch_id", batchID))
}

// Status zählt die Fragen eines Batches nach Zustand.
func (s *BatchService) Status(batchID string) (*BatchStatus, error) {
	status := &BatchStatus{BatchID: batchID}
	base := s.DB.Model(&models.Query{}).Where("batch_id = ?", batchID)

	if err := base.Session(&gorm.Session{}).Count(&status.Total).Error; err != nil {
		return nil, err
	}
	if status.Total == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	for state, dst := range map[string]*int64{
		"pending":   &status.Pending,
		"completed": &status.Completed,
		"failed":    &status.Failed,
	} {
		if err := s.DB.Model(&models.Query{}).
			Where("batch_id = ? AND status = ?", batchID, state).
			Count(dst).Error; err != nil {
			return nil, err
		}
	}
	return status, nil
}

// Results liefert die Fragen eines Batches samt Zitaten.
func (s *BatchService) Results(batchID string) ([]models.Query, error) {
	var queries []models.Query
	err := s.DB.Preload("Citations").
		Where("batch_id = ?", batchID).
		Order("id ASC").
		Find(&queries).Error
	return queries, err
}
