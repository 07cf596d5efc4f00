// Package notebooklm ist der dünne REST-Adapter an die NotebookLM-Bridge.
// Die Bridge spricht das eigentliche Protokoll gegen Google; hier werden nur
// Requests durchgereicht und Bridge-Fehlercodes auf die typisierten
// Backend-Fehler gemappt.
package notebooklm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"time"

	"notebook-bridge/backend"
)

// Ask-Roundtrips können beim Backend lange dauern, daher das hohe Timeout.
var httpClient = &http.Client{Timeout: 180 * time.Second}

// Client implementiert backend.Client gegen die Bridge. Eine Instanz gehört
// zu genau einer Bridge-Session; nach einem Auth-Refresh wird eine neue
// Instanz konstruiert und publiziert.
type Client struct {
	baseURL   string
	sessionID string
}

var _ backend.Client = (*Client)(nil)

// New legt auf der Bridge eine Session mit dem Storage-State an. Schlägt das
// fehl, sind die Cookies unbrauchbar und der Aufrufer darf nichts publizieren.
func New(ctx context.Context, baseURL, authJSON string) (*Client, error) {
	c := &Client{baseURL: baseURL}
	var resp struct {
		SessionID string `json:"session_id"`
	}
	req := map[string]any{"storage_state": json.RawMessage(authJSON)}
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &resp); err != nil {
		return nil, fmt.Errorf("bridge session setup failed: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("bridge session setup returned no session id")
	}
	c.sessionID = resp.SessionID
	return c, nil
}

// Ask stellt eine Frage. conversationID darf leer sein (neue Konversation).
func (c *Client) Ask(ctx context.Context, notebookID, question, conversationID string) (*backend.AskResult, error) {
	var result backend.AskResult
	body := map[string]any{"question": question}
	if conversationID != "" {
		body["conversation_id"] = conversationID
	}
	err := c.do(ctx, http.MethodPost, c.notebookPath(notebookID)+"/ask", body, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListSources listet die Quellen eines Notebooks mit ihren kanonischen IDs.
func (c *Client) ListSources(ctx context.Context, notebookID string) ([]backend.SourceInfo, error) {
	var sources []backend.SourceInfo
	err := c.do(ctx, http.MethodGet, c.notebookPath(notebookID)+"/sources", nil, &sources)
	return sources, err
}

// GetFulltext holt den extrahierten Volltext einer Quelle.
func (c *Client) GetFulltext(ctx context.Context, notebookID, sourceID string) (*backend.Fulltext, error) {
	var ft backend.Fulltext
	path := c.notebookPath(notebookID) + "/sources/" + url.PathEscape(sourceID) + "/fulltext"
	if err := c.do(ctx, http.MethodGet, path, nil, &ft); err != nil {
		return nil, err
	}
	return &ft, nil
}

// AddSourceFile lädt eine Datei hoch. Die Bridge wartet serverseitig, bis das
// Backend die Quelle fertig verarbeitet hat (analog wait=True).
func (c *Client) AddSourceFile(ctx context.Context, notebookID, filePath, fileName string) (*backend.SourceInfo, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + c.notebookPath(notebookID) + "/sources?wait=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, decodeAPIError(resp)
	}
	var info backend.SourceInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteSource entfernt eine Quelle auf Backend-Seite.
func (c *Client) DeleteSource(ctx context.Context, notebookID, sourceID string) error {
	path := c.notebookPath(notebookID) + "/sources/" + url.PathEscape(sourceID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// CreateNotebook legt ein Notebook an und liefert dessen Backend-ID.
func (c *Client) CreateNotebook(ctx context.Context, title string) (*backend.NotebookInfo, error) {
	var nb backend.NotebookInfo
	err := c.do(ctx, http.MethodPost, c.sessionPath()+"/notebooks", map[string]any{"title": title}, &nb)
	if err != nil {
		return nil, err
	}
	return &nb, nil
}

// GetNotebook holt Titel und Metadaten eines Notebooks.
func (c *Client) GetNotebook(ctx context.Context, notebookID string) (*backend.NotebookInfo, error) {
	var nb backend.NotebookInfo
	if err := c.do(ctx, http.MethodGet, c.notebookPath(notebookID), nil, &nb); err != nil {
		return nil, err
	}
	return &nb, nil
}

// DeleteNotebook löscht ein Notebook auf Backend-Seite.
func (c *Client) DeleteNotebook(ctx context.Context, notebookID string) error {
	return c.do(ctx, http.MethodDelete, c.notebookPath(notebookID), nil, nil)
}

// Close beendet die Bridge-Session. Best effort, wird beim Publish eines
// Nachfolgers aufgerufen.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodDelete, c.sessionPath(), nil, nil)
}

func (c *Client) sessionPath() string {
	return "/sessions/" + url.PathEscape(c.sessionID)
}

func (c *Client) notebookPath(notebookID string) string {
	return c.sessionPath() + "/notebooks/" + url.PathEscape(notebookID)
}

// apiError ist das Fehlerformat der Bridge.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return mapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeAPIError übersetzt Bridge-Fehlercodes in die typisierten
// Backend-Fehler, damit die Retry-Klassifikation nicht auf Strings raten muss.
func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr apiError
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Code == "" {
		return fmt.Errorf("backend: unexpected status %d: %s", resp.StatusCode, string(data))
	}

	switch apiErr.Code {
	case "invalid_session", "unauthenticated", "unauthorized":
		return fmt.Errorf("%w: %s", backend.ErrInvalidSession, apiErr.Message)
	case "rpc_rejected":
		return fmt.Errorf("%w: %s", backend.ErrRPCRejected, apiErr.Message)
	case "timeout":
		return fmt.Errorf("%w: %s", backend.ErrTimeout, apiErr.Message)
	}
	return fmt.Errorf("backend: %s (%s)", apiErr.Message, apiErr.Code)
}

// mapTransportError meldet Client-seitige Timeouts als Backend-Timeout,
// alles andere unverändert.
func mapTransportError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return fmt.Errorf("%w: %v", backend.ErrTimeout, err)
	}
	return err
}
