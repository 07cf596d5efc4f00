// Package zotero spricht die Zotero Web-API (v3) für die Gruppen-Bibliothek.
package zotero

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"encoding/json"

	"go.uber.org/zap"

	"notebook-bridge/config"
)

const pageSize = 100

var httpClient = &http.Client{
	Timeout: 60 * time.Second,
}

// Collection ist eine Zotero-Collection mit aufgelöstem Pfad.
type Collection struct {
	Key       string   `json:"key"`
	Name      string   `json:"name"`
	ParentKey string   `json:"parent_key,omitempty"`
	FullPath  string   `json:"full_path"`
	Depth     int      `json:"depth"`
	Children  []string `json:"children,omitempty"`
	NumItems  int      `json:"num_items"`
}

// Item ist ein Bibliothekseintrag mit mindestens einem PDF-Anhang.
type Item struct {
	Key             string `json:"key"`
	Title           string `json:"title"`
	ItemType        string `json:"item_type"`
	Creators        string `json:"creators"`
	Date            string `json:"date"`
	PDFKey          string `json:"pdf_key"`
	PDFFileName     string `json:"pdf_file_name"`
	AbstractNote    string `json:"abstract_note,omitempty"`
	PublicationName string `json:"publication_name,omitempty"`
	DOI             string `json:"doi,omitempty"`
	URL             string `json:"url,omitempty"`
}

type apiCollection struct {
	Key  string `json:"key"`
	Data struct {
		Name             string `json:"name"`
		ParentCollection any    `json:"parentCollection"` // false oder Key-String
	} `json:"data"`
	Meta struct {
		NumItems int `json:"numItems"`
	} `json:"meta"`
}

type apiCreator struct {
	CreatorType string `json:"creatorType"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Name        string `json:"name"`
}

type apiItem struct {
	Key  string `json:"key"`
	Data struct {
		Title           string       `json:"title"`
		ItemType        string       `json:"itemType"`
		Creators        []apiCreator `json:"creators"`
		Date            string       `json:"date"`
		AbstractNote    string       `json:"abstractNote"`
		PublicationName string       `json:"publicationTitle"`
		DOI             string       `json:"DOI"`
		URL             string       `json:"url"`
		ContentType     string       `json:"contentType"`
		Filename        string       `json:"filename"`
	} `json:"data"`
}

// Client kapselt die Zotero-API für eine Gruppen-Bibliothek.
type Client struct {
	cfg    *config.Config
	logger *zap.Logger
}

func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{cfg: cfg, logger: logger}
}

func (c *Client) libraryURL(path string) string {
	return fmt.Sprintf("%s/groups/%s%s", strings.TrimRight(c.cfg.ZoteroBaseURL, "/"), c.cfg.ZoteroGroupID, path)
}

func (c *Client) get(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Zotero-API-Version", "3")
	req.Header.Set("Zotero-API-Key", c.cfg.ZoteroAPIKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("zotero request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("zotero returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// getPaged holt alle Seiten eines Listen-Endpunkts.
func (c *Client) getPaged(ctx context.Context, path string, params url.Values, decode func([]byte) (int, error)) error {
	start := 0
	for {
		p := url.Values{}
		for k, v := range params {
			p[k] = v
		}
		p.Set("limit", strconv.Itoa(pageSize))
		p.Set("start", strconv.Itoa(start))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.libraryURL(path)+"?"+p.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Zotero-API-Version", "3")
		req.Header.Set("Zotero-API-Key", c.cfg.ZoteroAPIKey)

		resp, err := httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("zotero request failed: %w", err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("zotero returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		n, err := decode(body)
		if err != nil {
			return err
		}
		if n < pageSize {
			return nil
		}
		start += pageSize
	}
}

// ListCollections liefert alle Collections der Gruppe mit vollständigen
// Pfaden, nach Pfad sortiert.
func (c *Client) ListCollections(ctx context.Context) ([]Collection, error) {
	var raw []apiCollection
	err := c.getPaged(ctx, "/collections", url.Values{}, func(body []byte) (int, error) {
		var page []apiCollection
		if err := json.Unmarshal(body, &page); err != nil {
			return 0, err
		}
		raw = append(raw, page...)
		return len(page), nil
	})
	if err != nil {
		return nil, err
	}
	return buildCollectionTree(raw), nil
}

// buildCollectionTree löst Parent-Ketten zu vollen Pfaden auf.
func buildCollectionTree(raw []apiCollection) []Collection {
	byKey := make(map[string]*Collection, len(raw))
	for _, rc := range raw {
		col := &Collection{
			Key:      rc.Key,
			Name:     rc.Data.Name,
			NumItems: rc.Meta.NumItems,
		}
		if parent, ok := rc.Data.ParentCollection.(string); ok {
			col.ParentKey = parent
		}
		byKey[rc.Key] = col
	}

	var resolve func(col *Collection, seen map[string]bool) (string, int)
	resolve = func(col *Collection, seen map[string]bool) (string, int) {
		if col.ParentKey == "" || seen[col.Key] {
			return col.Name, 0
		}
		parent, ok := byKey[col.ParentKey]
		if !ok {
			return col.Name, 0
		}
		seen[col.Key] = true
		path, depth := resolve(parent, seen)
		return path + " / " + col.Name, depth + 1
	}

	out := make([]Collection, 0, len(byKey))
	for _, col := range byKey {
		col.FullPath, col.Depth = resolve(col, map[string]bool{})
		if parent, ok := byKey[col.ParentKey]; ok {
			parent.Children = append(parent.Children, col.Key)
		}
	}
	for _, col := range byKey {
		sort.Strings(col.Children)
		out = append(out, *col)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullPath < out[j].FullPath })
	return out
}

// ListItemsWithPDFs liefert die Top-Level-Einträge einer Collection, die
// mindestens einen PDF-Anhang haben.
func (c *Client) ListItemsWithPDFs(ctx context.Context, collectionKey string) ([]Item, error) {
	var raw []apiItem
	path := fmt.Sprintf("/collections/%s/items/top", collectionKey)
	err := c.getPaged(ctx, path, url.Values{}, func(body []byte) (int, error) {
		var page []apiItem
		if err := json.Unmarshal(body, &page); err != nil {
			return 0, err
		}
		raw = append(raw, page...)
		return len(page), nil
	})
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(raw))
	for _, ri := range raw {
		pdfKey, pdfName, err := c.PDFAttachment(ctx, ri.Key)
		if err != nil {
			c.logger.Warn("Anhänge nicht abrufbar, Eintrag übersprungen",
				zap.String("item", ri.Key), zap.Error(err))
			continue
		}
		if pdfKey == "" {
			continue
		}
		items = append(items, Item{
			Key:             ri.Key,
			Title:           ri.Data.Title,
			ItemType:        ri.Data.ItemType,
			Creators:        formatCreators(ri.Data.Creators),
			Date:            ri.Data.Date,
			PDFKey:          pdfKey,
			PDFFileName:     pdfName,
			AbstractNote:    ri.Data.AbstractNote,
			PublicationName: ri.Data.PublicationName,
			DOI:             ri.Data.DOI,
			URL:             ri.Data.URL,
		})
	}
	return items, nil
}

// PDFAttachment sucht den ersten PDF-Anhang eines Eintrags. Hat der
// Eintrag keinen, ist der Key leer.
func (c *Client) PDFAttachment(ctx context.Context, itemKey string) (key, fileName string, err error) {
	var children []apiItem
	if err := c.get(ctx, c.libraryURL(fmt.Sprintf("/items/%s/children", itemKey)), &children); err != nil {
		return "", "", err
	}
	for _, child := range children {
		if child.Data.ItemType == "attachment" && child.Data.ContentType == "application/pdf" {
			name := child.Data.Filename
			if name == "" {
				name = child.Key + ".pdf"
			}
			return child.Key, name, nil
		}
	}
	return "", "", nil
}

// GetItemDetails lädt die bibliografischen Daten eines einzelnen Eintrags.
func (c *Client) GetItemDetails(ctx context.Context, itemKey string) (*Item, error) {
	var ri apiItem
	if err := c.get(ctx, c.libraryURL("/items/"+itemKey), &ri); err != nil {
		return nil, err
	}
	return &Item{
		Key:             ri.Key,
		Title:           ri.Data.Title,
		ItemType:        ri.Data.ItemType,
		Creators:        formatCreators(ri.Data.Creators),
		Date:            ri.Data.Date,
		AbstractNote:    ri.Data.AbstractNote,
		PublicationName: ri.Data.PublicationName,
		DOI:             ri.Data.DOI,
		URL:             ri.Data.URL,
	}, nil
}

// DownloadPDF lädt einen Anhang in eine temporäre Datei und liefert den Pfad.
// Der Aufrufer räumt die Datei auf.
func (c *Client) DownloadPDF(ctx context.Context, attachmentKey, fileName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.libraryURL(fmt.Sprintf("/items/%s/file", attachmentKey)), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Zotero-API-Version", "3")
	req.Header.Set("Zotero-API-Key", c.cfg.ZoteroAPIKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("zotero download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("zotero download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "zotero-*-"+sanitizeFileName(fileName))
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("zotero download incomplete: %w", err)
	}
	return tmp.Name(), nil
}

// formatCreators baut "Nachname, Vorname; Nachname, Vorname".
func formatCreators(creators []apiCreator) string {
	parts := make([]string, 0, len(creators))
	for _, cr := range creators {
		switch {
		case cr.LastName != "" && cr.FirstName != "":
			parts = append(parts, cr.LastName+", "+cr.FirstName)
		case cr.LastName != "":
			parts = append(parts, cr.LastName)
		case cr.Name != "":
			parts = append(parts, cr.Name)
		}
	}
	return strings.Join(parts, "; ")
}

func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" {
		name = "attachment.pdf"
	}
	return name
}
