package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kodewave/goatsync/internal/infrastructure/cache"
	"github.com/kodewave/goatsync/internal/offline/domain"
	"github.com/kodewave/goatsync/internal/storage"
)

// SetBacklogCache attaches an optional L2 read-through cache in front of
// the durable backlog_cache table. ttl bounds how long L2 copies live;
// a ttl <= 0 falls back to 5 minutes.
func (s *Server) SetBacklogCache(c cache.Cache, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s.l2 = c
	s.backlogTTL = ttl
}

func backlogCacheKey(key string) string { return "backlog:" + key }

// handleGetBacklog serves reference data the client browses offline:
// L2 first, then the durable store, re-populating L2 on a miss.
func (s *Server) handleGetBacklog(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if s.l2 != nil {
		var cached json.RawMessage
		if err := s.l2.Get(r.Context(), backlogCacheKey(key), &cached); err == nil {
			writeJSON(w, http.StatusOK, cached)
			return
		} else if !cache.IsNotFound(err) {
			s.logger.Warn("l2 backlog read failed, falling through to store", "key", key, "error", err)
		}
	}

	entry, err := s.store.GetBacklogCacheEntry(r.Context(), key)
	if storage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		writeError(w, http.StatusNotFound, &storage.ErrNotFound{Kind: "backlog_cache", ID: key})
		return
	}

	if s.l2 != nil {
		if err := s.l2.Set(r.Context(), backlogCacheKey(key), entry.Value, s.backlogTTL); err != nil {
			s.logger.Warn("l2 backlog populate failed", "key", key, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, entry.Value)
}

// handlePutBacklog caches opaque reference data under key, durably and in
// L2, expiring after the configured TTL.
func (s *Server) handlePutBacklog(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var value json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ttl := s.backlogTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	entry := &domain.BacklogCacheEntry{
		Key:       key,
		Value:     value,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.store.PutBacklogCacheEntry(r.Context(), entry); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	if s.l2 != nil {
		if err := s.l2.Set(r.Context(), backlogCacheKey(key), value, ttl); err != nil {
			s.logger.Warn("l2 backlog write failed", "key", key, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteBacklog drops the entry from both layers. Idempotent.
func (s *Server) handleDeleteBacklog(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if err := s.store.DeleteBacklogCacheEntry(r.Context(), key); err != nil && !storage.IsNotFound(err) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if s.l2 != nil {
		if err := s.l2.Delete(r.Context(), backlogCacheKey(key)); err != nil && !cache.IsNotFound(err) {
			s.logger.Warn("l2 backlog delete failed", "key", key, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}
