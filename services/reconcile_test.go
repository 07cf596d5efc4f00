package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"notebook-bridge/backend"
	"notebook-bridge/models"
)

func TestMatchBackendSourcePrecedence(t *testing.T) {
	remote := []backend.SourceInfo{
		{ID: "c1", Title: "weber_1905.pdf"},
		{ID: "c2", Title: "Die protestantische Ethik"},
		{ID: "c3", Title: "DEUTSCHMANN_2001.PDF"},
		{ID: "c4", Title: "capitalism as religion"},
	}

	tests := []struct {
		name   string
		local  models.Source
		wantID string
		wantOK bool
	}{
		{
			"exact filename wins",
			models.Source{FileName: "weber_1905.pdf", Title: "Die protestantische Ethik"},
			"c1", true,
		},
		{
			"exact title when filename unknown",
			models.Source{Title: "Die protestantische Ethik"},
			"c2", true,
		},
		{
			"case-insensitive filename fallback",
			models.Source{FileName: "deutschmann_2001.pdf"},
			"c3", true,
		},
		{
			"case-insensitive title fallback",
			models.Source{Title: "Capitalism as Religion"},
			"c4", true,
		},
		{
			"exact title beats case-insensitive filename",
			models.Source{FileName: "CAPITALISM AS RELIGION", Title: "Die protestantische Ethik"},
			"c2", true,
		},
		{
			"no match",
			models.Source{FileName: "unbekannt.pdf", Title: "Unbekannter Titel"},
			"", false,
		},
		{
			"empty source never matches",
			models.Source{},
			"", false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := matchBackendSource(&tt.local, remote)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.ID != tt.wantID {
				t.Errorf("matched %q, want %q", got.ID, tt.wantID)
			}
		})
	}
}

func TestReconcileAlreadyReconciledSkipsBackend(t *testing.T) {
	client := &stubBackendClient{listed: []backend.SourceInfo{{ID: "c1", Title: "egal"}}}
	holder := &backend.Holder{}
	holder.Publish(client)

	r := &SourceReconciler{Holder: holder, Logger: zap.NewNop()}
	source := &models.Source{ID: "local-1", CanonicalID: "c1", Title: "Schon abgeglichen"}

	if err := r.Reconcile(context.Background(), source); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.CanonicalID != "c1" {
		t.Errorf("canonical id changed to %q", source.CanonicalID)
	}
	if n := atomic.LoadInt32(&client.listCalls); n != 0 {
		t.Errorf("backend listed %d times, want 0 for an already reconciled source", n)
	}
}

func TestReconcileWithoutBackendClient(t *testing.T) {
	r := &SourceReconciler{Holder: &backend.Holder{}, Logger: zap.NewNop()}

	// Abgeglichene Quellen brauchen den Client nicht
	reconciled := &models.Source{ID: "local-1", CanonicalID: "c1"}
	if err := r.Reconcile(context.Background(), reconciled); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	// Offene Quellen schon
	open := &models.Source{ID: "local-2", Title: "Offen"}
	if err := r.Reconcile(context.Background(), open); !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestMatchBackendSourceEmptyRemote(t *testing.T) {
	local := models.Source{FileName: "weber_1905.pdf"}
	if _, ok := matchBackendSource(&local, nil); ok {
		t.Error("empty backend listing must not match")
	}
}
