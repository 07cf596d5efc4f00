package backend

import "sync"

// Holder hält den prozessweiten Client. Der Austausch nach einem Refresh
// passiert als Ganzes: Leser sehen entweder den alten oder den neuen Client,
// nie einen halb initialisierten Zustand.
type Holder struct {
	mu     sync.RWMutex
	client Client
}

// Get liefert den aktuellen Client, oder false solange keiner publiziert wurde.
func (h *Holder) Get() (Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.client == nil {
		return nil, false
	}
	return h.client, true
}

// Publish ersetzt den Client und schließt den alten. Aufrufer (der Refresher)
// publiziert erst, wenn der neue Client vollständig konstruiert ist.
func (h *Holder) Publish(c Client) {
	h.mu.Lock()
	old := h.client
	h.client = c
	h.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
}
