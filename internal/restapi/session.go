package restapi

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arung-agamani/mediabot/internal/media"
)

// HistoryEntry mirrors one fetched item in a browser session's history
// list. The field set matches what a caller needs to re-download, preview,
// or evict an item without a second round trip.
type HistoryEntry struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	NormalizedURL  string    `json:"normalized_url"`
	MediaType      media.Kind `json:"media_type"`
	CacheID        int64     `json:"cache_id,omitempty"`
	TransportIDs   []string  `json:"telegram_file_ids,omitempty"`
	IsCached       bool      `json:"is_cached"`
	IsCarousel     bool      `json:"is_carousel"`
	CarouselCount  int       `json:"carousel_count,omitempty"`
	AddedAt        time.Time `json:"added_at"`
}

// sessionData is one browser session's in-memory history, deduped by
// normalized URL the way the session dict keyed its file list.
type sessionData struct {
	mu      sync.Mutex
	entries []HistoryEntry
}

// sessionStore holds every active session in memory. Sessions are not
// persisted; a restart clears history, which mirrors a plain process-local
// dict of sessions rather than a database table.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionData
	ttl      time.Duration
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{sessions: make(map[string]*sessionData), ttl: ttl}
}

// getOrCreate returns the session for id, creating one if id is empty or
// unknown, and reports the (possibly new) session id.
func (s *sessionStore) getOrCreate(id string) (string, *sessionData) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if sd, ok := s.sessions[id]; ok {
			return id, sd
		}
	}
	id = uuid.NewString()
	sd := &sessionData{}
	s.sessions[id] = sd
	return id, sd
}

// add appends an entry, replacing any existing entry with the same
// normalized URL (a re-fetch refreshes its place in history rather than
// duplicating it).
func (sd *sessionData) add(entry HistoryEntry) {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	for i, e := range sd.entries {
		if e.NormalizedURL == entry.NormalizedURL {
			sd.entries[i] = entry
			return
		}
	}
	sd.entries = append(sd.entries, entry)
}

func (sd *sessionData) list() []HistoryEntry {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	out := make([]HistoryEntry, len(sd.entries))
	copy(out, sd.entries)
	return out
}

func (sd *sessionData) remove(id string) bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()

	for i, e := range sd.entries {
		if e.ID == id {
			sd.entries = append(sd.entries[:i], sd.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (sd *sessionData) clear() {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	sd.entries = nil
}
