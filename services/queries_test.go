package services

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"notebook-bridge/auth"
	"notebook-bridge/backend"
	"notebook-bridge/config"
	"notebook-bridge/models"
)

// stubBackendClient zählt Aufrufe; ungenutzte Methoden schlagen fehl.
type stubBackendClient struct {
	askFn     func(ctx context.Context) (*backend.AskResult, error)
	listed    []backend.SourceInfo
	listCalls int32
}

func (c *stubBackendClient) Ask(ctx context.Context, notebookID, question, conversationID string) (*backend.AskResult, error) {
	if c.askFn != nil {
		return c.askFn(ctx)
	}
	return &backend.AskResult{Answer: "ok"}, nil
}

func (c *stubBackendClient) ListSources(ctx context.Context, notebookID string) ([]backend.SourceInfo, error) {
	atomic.AddInt32(&c.listCalls, 1)
	return c.listed, nil
}

func (c *stubBackendClient) GetFulltext(ctx context.Context, notebookID, sourceID string) (*backend.Fulltext, error) {
	return nil, errors.New("not implemented")
}

func (c *stubBackendClient) AddSourceFile(ctx context.Context, notebookID, filePath, fileName string) (*backend.SourceInfo, error) {
	return nil, errors.New("not implemented")
}

func (c *stubBackendClient) DeleteSource(ctx context.Context, notebookID, sourceID string) error {
	return errors.New("not implemented")
}

func (c *stubBackendClient) CreateNotebook(ctx context.Context, title string) (*backend.NotebookInfo, error) {
	return nil, errors.New("not implemented")
}

func (c *stubBackendClient) GetNotebook(ctx context.Context, notebookID string) (*backend.NotebookInfo, error) {
	return nil, errors.New("not implemented")
}

func (c *stubBackendClient) DeleteNotebook(ctx context.Context, notebookID string) error {
	return errors.New("not implemented")
}

func (c *stubBackendClient) Close() error { return nil }

type noopRefresher struct{}

func (noopRefresher) FullRefresh(ctx context.Context) (*auth.Result, error) {
	return &auth.Result{}, nil
}

func TestStateMachineAnsweredFirstTry(t *testing.T) {
	asks, refreshes := 0, 0
	res, transitions, err := runAskStateMachine(context.Background(),
		func(ctx context.Context) (*backend.AskResult, error) {
			asks++
			return &backend.AskResult{Answer: "ok"}, nil
		},
		func(ctx context.Context) error {
			refreshes++
			return nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Answer != "ok" {
		t.Errorf("unexpected answer %q", res.Answer)
	}
	if asks != 1 || refreshes != 0 {
		t.Errorf("asks=%d refreshes=%d, want 1/0", asks, refreshes)
	}
	want := []string{StateIssued, StateAnswered}
	if !reflect.DeepEqual(transitions, want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestStateMachineRefreshAndReissue(t *testing.T) {
	asks, refreshes := 0, 0
	res, transitions, err := runAskStateMachine(context.Background(),
		func(ctx context.Context) (*backend.AskResult, error) {
			asks++
			if asks == 1 {
				return nil, fmt.Errorf("ask: %w", backend.ErrInvalidSession)
			}
			return &backend.AskResult{Answer: "nach Refresh"}, nil
		},
		func(ctx context.Context) error {
			refreshes++
			return nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Answer != "nach Refresh" {
		t.Errorf("unexpected answer %q", res.Answer)
	}
	if asks != 2 || refreshes != 1 {
		t.Errorf("asks=%d refreshes=%d, want 2/1", asks, refreshes)
	}
	want := []string{StateIssued, StateFailedTransient, StateCredentialsRefreshed, StateReissued, StateAnswered}
	if !reflect.DeepEqual(transitions, want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestStateMachineReissueFailureIsFinal(t *testing.T) {
	asks, refreshes := 0, 0
	_, transitions, err := runAskStateMachine(context.Background(),
		func(ctx context.Context) (*backend.AskResult, error) {
			asks++
			// Beide Versuche scheitern transient; trotzdem nur ein Refresh
			return nil, fmt.Errorf("ask: %w", backend.ErrInvalidSession)
		},
		func(ctx context.Context) error {
			refreshes++
			return nil
		},
	)
	if err == nil {
		t.Fatal("expected final error")
	}
	if asks != 2 || refreshes != 1 {
		t.Errorf("asks=%d refreshes=%d, want 2/1", asks, refreshes)
	}

	var qerr *QueryError
	if !errors.As(err, &qerr) || qerr.Leg != "reissue" {
		t.Errorf("expected reissue-leg error, got %v", err)
	}
	if !errors.Is(err, backend.ErrInvalidSession) {
		t.Errorf("underlying cause lost: %v", err)
	}
	want := []string{StateIssued, StateFailedTransient, StateCredentialsRefreshed, StateReissued, StateFailedFinal}
	if !reflect.DeepEqual(transitions, want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestStateMachineRefreshFailureSurfaces(t *testing.T) {
	asks := 0
	refreshErr := errors.New("droplet unreachable")
	_, transitions, err := runAskStateMachine(context.Background(),
		func(ctx context.Context) (*backend.AskResult, error) {
			asks++
			return nil, fmt.Errorf("ask: %w", backend.ErrInvalidSession)
		},
		func(ctx context.Context) error {
			return refreshErr
		},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	// Nach gescheitertem Refresh wird nicht erneut gefragt
	if asks != 1 {
		t.Errorf("asks=%d, want 1", asks)
	}

	var qerr *QueryError
	if !errors.As(err, &qerr) || qerr.Leg != "refresh" {
		t.Errorf("expected refresh-leg error, got %v", err)
	}
	if !errors.Is(err, refreshErr) {
		t.Errorf("refresh cause must surface, got %v", err)
	}
	want := []string{StateIssued, StateFailedTransient, StateFailedFinal}
	if !reflect.DeepEqual(transitions, want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestStateMachineFinalErrorSkipsRefresh(t *testing.T) {
	refreshes := 0
	_, transitions, err := runAskStateMachine(context.Background(),
		func(ctx context.Context) (*backend.AskResult, error) {
			return nil, errors.New("notebook has no sources")
		},
		func(ctx context.Context) error {
			refreshes++
			return nil
		},
	)
	if err == nil {
		t.Fatal("expected error")
	}
	if refreshes != 0 {
		t.Errorf("non-transient errors must not trigger a refresh, got %d", refreshes)
	}

	var qerr *QueryError
	if !errors.As(err, &qerr) || qerr.Leg != "ask" {
		t.Errorf("expected ask-leg error, got %v", err)
	}
	want := []string{StateIssued, StateFailedFinal}
	if !reflect.DeepEqual(transitions, want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestAssembleCitationsCountAndOrder(t *testing.T) {
	refs := []backend.Reference{
		{Number: 7, SourceID: "c1", CitedText: "erste Stelle"},
		{Number: 2, SourceID: "c2", CitedText: "zweite Stelle"},
		// Dublette und Lücke bleiben erhalten
		{Number: 7, SourceID: "c1", CitedText: "dritte Stelle"},
	}

	citations := assembleCitations(42, refs, nil, 300)
	if len(citations) != len(refs) {
		t.Fatalf("got %d citations for %d references", len(citations), len(refs))
	}
	for i, c := range citations {
		if c.Number != refs[i].Number {
			t.Errorf("citation %d: number %d, want %d verbatim", i, c.Number, refs[i].Number)
		}
		if c.CitedText != refs[i].CitedText {
			t.Errorf("citation %d: cited text %q out of order", i, c.CitedText)
		}
		if c.QueryID != 42 {
			t.Errorf("citation %d: query id %d", i, c.QueryID)
		}
	}
}

func TestAssembleCitationsEmptyReferences(t *testing.T) {
	if got := assembleCitations(1, nil, nil, 300); len(got) != 0 {
		t.Errorf("expected no citations, got %d", len(got))
	}
}

func TestAssembleCitationsSnapshotSurvivesSourceEdit(t *testing.T) {
	sources := []models.Source{{
		ID:              "local-1",
		CanonicalID:     "c1",
		Title:           "Capitalism as Religion",
		Authors:         "Deutschmann, Christoph",
		PublicationDate: "2001",
	}}
	refs := []backend.Reference{{Number: 1, SourceID: "c1", CitedText: "x"}}

	citations := assembleCitations(1, refs, sources, 300)
	if len(citations) != 1 {
		t.Fatalf("got %d citations", len(citations))
	}

	// Spätere Edits an der Quelle dürfen den Schnappschuss nicht ändern
	sources[0].Authors = "Jemand, Anderes"
	sources[0].PublicationDate = "1999"
	sources[0].Title = "Umbenannt"

	c := citations[0]
	if c.SourceAuthors != "Deutschmann, Christoph" || c.SourceDate != "2001" || c.SourceTitle != "Capitalism as Religion" {
		t.Errorf("snapshot mutated: %+v", c)
	}
}

func TestAssembleCitationsContextStaysEmptyOnMiss(t *testing.T) {
	sources := []models.Source{{
		ID:          "local-1",
		CanonicalID: "c1",
		Title:       "Quelle",
		Fulltext:    "Ein völlig anderer Volltext ohne die gesuchte Passage.",
	}}
	refs := []backend.Reference{{Number: 1, SourceID: "c1", CitedText: "nicht auffindbare Stelle"}}

	citations := assembleCitations(1, refs, sources, 300)
	if citations[0].ContextText != "" {
		t.Errorf("context must stay empty until enrichment succeeds, got %q", citations[0].ContextText)
	}
	if citations[0].CitedText != "nicht auffindbare Stelle" {
		t.Errorf("cited text must survive the miss: %q", citations[0].CitedText)
	}
}

func TestAssembleCitationsEnrichesFromFulltext(t *testing.T) {
	fulltext := strings.Repeat("Rahmentext davor. ", 10) +
		"Die gesuchte Passage steht mitten im Dokument. " +
		strings.Repeat("Rahmentext danach. ", 10)
	sources := []models.Source{{
		ID:          "local-1",
		CanonicalID: "c1",
		Title:       "Quelle",
		Fulltext:    fulltext,
	}}
	refs := []backend.Reference{{Number: 1, SourceID: "c1", CitedText: "gesuchte Passage steht mitten"}}

	citations := assembleCitations(1, refs, sources, 300)
	got := citations[0].ContextText
	if got == "" {
		t.Fatal("expected enriched context")
	}
	if !strings.Contains(got, "gesuchte Passage steht mitten") {
		t.Errorf("context must contain the cited span: %q", got)
	}
	if len(got) <= len(refs[0].CitedText) {
		t.Errorf("context should be wider than the cited text: %q", got)
	}
}

func TestExecuteSerializesQuestions(t *testing.T) {
	var inFlight, overlaps int32
	client := &stubBackendClient{
		askFn: func(ctx context.Context) (*backend.AskResult, error) {
			if atomic.AddInt32(&inFlight, 1) > 1 {
				atomic.AddInt32(&overlaps, 1)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return &backend.AskResult{Answer: "ok"}, nil
		},
	}
	holder := &backend.Holder{}
	holder.Publish(client)

	svc := &QueryService{
		Config:    &config.Config{},
		Holder:    holder,
		Refresher: noopRefresher{},
		Logger:    zap.NewNop(),
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			query := &models.Query{NotebookID: "nb", Question: "Frage"}
			if _, _, err := svc.execute(context.Background(), query); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&overlaps); n != 0 {
		t.Errorf("questions overlapped %d times, want strict serialization", n)
	}
}

func TestStateMachineTransientByMessage(t *testing.T) {
	// Auch ohne Sentinel zählt die Fehlermeldung
	asks := 0
	_, _, err := runAskStateMachine(context.Background(),
		func(ctx context.Context) (*backend.AskResult, error) {
			asks++
			if asks == 1 {
				return nil, errors.New("chat request timed out after 180s")
			}
			return &backend.AskResult{Answer: "ok"}, nil
		},
		func(ctx context.Context) error { return nil },
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if asks != 2 {
		t.Errorf("asks=%d, want 2", asks)
	}
}
