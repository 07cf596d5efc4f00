package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"notebook-bridge/backend"
	"notebook-bridge/config"
)

type stubClient struct{ id int }

func (s *stubClient) Ask(ctx context.Context, notebookID, question, conversationID string) (*backend.AskResult, error) {
	return nil, errors.New("not implemented")
}
func (s *stubClient) ListSources(ctx context.Context, notebookID string) ([]backend.SourceInfo, error) {
	return nil, nil
}
func (s *stubClient) GetFulltext(ctx context.Context, notebookID, sourceID string) (*backend.Fulltext, error) {
	return nil, errors.New("not implemented")
}
func (s *stubClient) AddSourceFile(ctx context.Context, notebookID, filePath, fileName string) (*backend.SourceInfo, error) {
	return nil, errors.New("not implemented")
}
func (s *stubClient) DeleteSource(ctx context.Context, notebookID, sourceID string) error {
	return nil
}
func (s *stubClient) CreateNotebook(ctx context.Context, title string) (*backend.NotebookInfo, error) {
	return nil, errors.New("not implemented")
}
func (s *stubClient) GetNotebook(ctx context.Context, notebookID string) (*backend.NotebookInfo, error) {
	return nil, errors.New("not implemented")
}
func (s *stubClient) DeleteNotebook(ctx context.Context, notebookID string) error { return nil }
func (s *stubClient) Close() error                                                { return nil }

const validAuthState = `{"cookies":[{"name":"SID","value":"x"},{"name":"HSID","value":"y"}],"origins":[{"origin":"https://notebooklm.google.com"}]}`

func newTestRefresher(extract func(ctx context.Context) (string, error), factory backend.Factory) (*Refresher, *backend.Holder) {
	holder := &backend.Holder{}
	r := &Refresher{
		Config:  &config.Config{DropletHost: "203.0.113.10"},
		Logger:  zap.NewNop(),
		Holder:  holder,
		Factory: factory,
	}
	r.extract = extract
	return r, holder
}

func TestFullRefreshPublishesClient(t *testing.T) {
	want := &stubClient{id: 1}
	r, holder := newTestRefresher(
		func(ctx context.Context) (string, error) { return validAuthState, nil },
		func(ctx context.Context, authJSON string) (backend.Client, error) {
			if !strings.Contains(authJSON, "SID") {
				t.Errorf("factory got unexpected auth state: %q", authJSON)
			}
			return want, nil
		},
	)

	res, err := r.FullRefresh(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CookieCount != 2 || res.OriginCount != 1 {
		t.Errorf("result = %+v, want 2 cookies / 1 origin", res)
	}
	got, ok := holder.Get()
	if !ok || got != backend.Client(want) {
		t.Error("refreshed client was not published")
	}
}

func TestFullRefreshRefusesEmptyCookieState(t *testing.T) {
	factoryCalls := 0
	r, holder := newTestRefresher(
		func(ctx context.Context) (string, error) { return `{"cookies":[],"origins":[]}`, nil },
		func(ctx context.Context, authJSON string) (backend.Client, error) {
			factoryCalls++
			return &stubClient{}, nil
		},
	)

	_, err := r.FullRefresh(context.Background())
	if err == nil || !strings.Contains(err.Error(), "refusing") {
		t.Fatalf("expected refusal, got %v", err)
	}
	if factoryCalls != 0 {
		t.Error("factory must not run on an empty auth state")
	}
	if _, ok := holder.Get(); ok {
		t.Error("nothing may be published on a failed refresh")
	}
}

func TestFullRefreshExtractionErrorKeepsClient(t *testing.T) {
	previous := &stubClient{id: 7}
	r, holder := newTestRefresher(
		func(ctx context.Context) (string, error) { return "", errors.New("ssh: connect refused") },
		func(ctx context.Context, authJSON string) (backend.Client, error) {
			return &stubClient{}, nil
		},
	)
	holder.Publish(previous)

	if _, err := r.FullRefresh(context.Background()); err == nil {
		t.Fatal("expected extraction error")
	}
	got, ok := holder.Get()
	if !ok || got != backend.Client(previous) {
		t.Error("failed refresh must leave the previous client in place")
	}
}

func TestFullRefreshSharedAcrossCallers(t *testing.T) {
	var extractions int32
	release := make(chan struct{})
	r, _ := newTestRefresher(
		func(ctx context.Context) (string, error) {
			atomic.AddInt32(&extractions, 1)
			<-release
			return validAuthState, nil
		},
		func(ctx context.Context, authJSON string) (backend.Client, error) {
			return &stubClient{}, nil
		},
	)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.FullRefresh(context.Background())
		}(i)
	}

	// Alle Aufrufer hängen sich an den laufenden Refresh an
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&extractions); n != 1 {
		t.Errorf("extractions = %d, want exactly 1", n)
	}
}
