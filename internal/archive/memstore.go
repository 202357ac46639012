package archive

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory [Store] for tests and archive-less deployments.
type MemStore struct {
	mu    sync.RWMutex
	calls map[string]*CallRecord
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{calls: make(map[string]*CallRecord)}
}

// Save stores a copy of rec, replacing an earlier record for the session.
func (s *MemStore) Save(_ context.Context, rec *CallRecord) error {
	cp := *rec
	cp.Batches = append([]BatchRecord(nil), rec.Batches...)
	cp.Insights = append([]InsightRecord(nil), rec.Insights...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[rec.SessionID] = &cp
	return nil
}

// Get returns the archived record for a session id, or nil when absent.
func (s *MemStore) Get(sessionID string) *CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[sessionID]
}

// Recent returns up to limit calls for the tenant, newest first.
func (s *MemStore) Recent(_ context.Context, tenant string, limit int) ([]CallSummary, error) {
	return s.query(tenant, "", limit), nil
}

// Search matches query case-insensitively against transcripts.
func (s *MemStore) Search(_ context.Context, tenant, query string, limit int) ([]CallSummary, error) {
	return s.query(tenant, strings.ToLower(query), limit), nil
}

func (s *MemStore) query(tenant, loweredQuery string, limit int) []CallSummary {
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []CallSummary
	for _, rec := range s.calls {
		if rec.Tenant != tenant {
			continue
		}
		if loweredQuery != "" && !strings.Contains(strings.ToLower(rec.Transcript), loweredQuery) {
			continue
		}
		out = append(out, CallSummary{
			SessionID:    rec.SessionID,
			Tenant:       rec.Tenant,
			Language:     rec.Language,
			AudioSeconds: rec.AudioSeconds,
			Insights:     len(rec.Insights),
			StartedAt:    rec.StartedAt,
			EndedAt:      rec.EndedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Ping always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemStore) Close() {}
