// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// In-memory store implementations with the same semantics as the Postgres
// ones. They back handler and client tests and small single-process setups;
// nothing survives a restart.

type progressKey struct {
	userID string
	bookID string
}

// MemProgressStore is a mutex-guarded in-memory ProgressStore.
type MemProgressStore struct {
	mu      sync.Mutex
	records map[progressKey]ReadingProgress
}

func NewMemProgressStore() *MemProgressStore {
	return &MemProgressStore{records: make(map[progressKey]ReadingProgress)}
}

func (s *MemProgressStore) Read(ctx context.Context, userID, bookID string) (*ReadingProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[progressKey{userID, bookID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemProgressStore) Write(ctx context.Context, w ProgressWrite) (*ProgressWriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := progressKey{w.UserID, w.BookID}
	current, exists := s.records[key]

	conflict := func() *ProgressWriteResult {
		if !exists {
			return &ProgressWriteResult{Accepted: false, Record: nil}
		}
		cp := current
		return &ProgressWriteResult{Accepted: false, Record: &cp}
	}

	if w.BaseVersion == 0 {
		if exists {
			return conflict(), nil
		}
	} else if !exists || current.Version != w.BaseVersion {
		return conflict(), nil
	}

	rec := ReadingProgress{
		UserID:       w.UserID,
		BookID:       w.BookID,
		Kind:         w.Kind,
		Percent:      w.Percent,
		Locator:      w.Locator,
		ChapterTitle: w.ChapterTitle,
		DeviceID:     w.DeviceID,
		Version:      w.BaseVersion + 1,
		UpdatedAt:    time.Now(),
	}
	s.records[key] = rec
	cp := rec
	return &ProgressWriteResult{Accepted: true, Record: &cp}, nil
}

type highlightKey struct {
	userID string
	id     uuid.UUID
}

// MemHighlightStore is a mutex-guarded in-memory HighlightStore with a
// process-local write sequence.
type MemHighlightStore struct {
	mu      sync.Mutex
	records map[highlightKey]Highlight
	seq     int64
}

func NewMemHighlightStore() *MemHighlightStore {
	return &MemHighlightStore{records: make(map[highlightKey]Highlight)}
}

func (s *MemHighlightStore) Upsert(ctx context.Context, h Highlight) (*Highlight, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := highlightKey{h.UserID, h.ID}
	if current, ok := s.records[key]; ok && !h.ClientUpdatedAt.After(current.ClientUpdatedAt) {
		cp := current
		return &cp, false, nil
	}

	s.seq++
	h.DeletedAt = nil
	h.ServerSeq = s.seq
	h.ServerUpdatedAt = time.Now()
	s.records[key] = h
	cp := h
	return &cp, true, nil
}

func (s *MemHighlightStore) SoftDelete(ctx context.Context, userID, bookID string, id uuid.UUID, clientUpdatedAt time.Time) (*Highlight, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := highlightKey{userID, id}
	h, ok := s.records[key]
	if ok {
		if !clientUpdatedAt.After(h.ClientUpdatedAt) {
			cp := h
			return &cp, false, nil
		}
	} else {
		// Tombstone for an id never seen; keeps the delete propagating when
		// it arrives before the create it refers to.
		h = Highlight{ID: id, UserID: userID, BookID: bookID}
	}

	s.seq++
	h.ClientUpdatedAt = clientUpdatedAt
	h.DeletedAt = tombstoneTime(clientUpdatedAt)
	h.ServerSeq = s.seq
	h.ServerUpdatedAt = time.Now()
	s.records[key] = h
	cp := h
	return &cp, true, nil
}

func (s *MemHighlightStore) ListSince(ctx context.Context, userID, bookID string, after int64, limit int) ([]Highlight, int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []Highlight
	for key, h := range s.records {
		if key.userID == userID && h.BookID == bookID && h.ServerSeq > after {
			items = append(items, h)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ServerSeq < items[j].ServerSeq })

	hasMore := false
	if len(items) > limit {
		hasMore = true
		items = items[:limit]
	}
	cursor := after
	if len(items) > 0 {
		cursor = items[len(items)-1].ServerSeq
	}
	return items, cursor, hasMore, nil
}
