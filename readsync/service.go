// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ProgressStore is the authoritative per-(user, book) reading-position store.
// Write is atomic compare-and-swap: two concurrent callers can never both
// succeed against the same base version.
type ProgressStore interface {
	// Read returns the current record, or ErrNotFound.
	Read(ctx context.Context, userID, bookID string) (*ReadingProgress, error)
	// Write applies a CAS write. A stale base version is reported through the
	// result, not as an error; it is a business signal, not a failure.
	Write(ctx context.Context, w ProgressWrite) (*ProgressWriteResult, error)
}

// HighlightStore is the per-(user, book) annotation store with soft-delete
// tombstones and last-write-wins merge on the client-supplied edit time.
type HighlightStore interface {
	// Upsert inserts or replaces a highlight. The returned bool is false when
	// the incoming write was not strictly newer and was absorbed as a no-op.
	Upsert(ctx context.Context, h Highlight) (*Highlight, bool, error)
	// SoftDelete writes a tombstone, competing on the same timestamp axis as
	// edits. A delete for an unknown id inserts a bare tombstone so the
	// delete still propagates when it arrives before the create.
	SoftDelete(ctx context.Context, userID, bookID string, id uuid.UUID, clientUpdatedAt time.Time) (*Highlight, bool, error)
	// ListSince returns highlights (tombstones included) with a write
	// sequence greater than after, ordered by sequence, plus the next cursor.
	ListSince(ctx context.Context, userID, bookID string, after int64, limit int) ([]Highlight, int64, bool, error)
}

// BookCatalog supplies book existence/ownership checks. The engine treats it
// as an external collaborator; Lookup returns ErrUnknownBook (possibly
// wrapped) when the user does not own the book.
type BookCatalog interface {
	Lookup(ctx context.Context, userID, bookID string) error
}

// AllowAllCatalog accepts every book id. Useful for tests and deployments
// where ownership is enforced upstream.
type AllowAllCatalog struct{}

func (AllowAllCatalog) Lookup(ctx context.Context, userID, bookID string) error { return nil }

// ServiceConfig holds configuration for the sync service
type ServiceConfig struct {
	AppName         string
	Catalog         BookCatalog // defaults to AllowAllCatalog
	MaxBatchSize    int         // max items per highlight batch (0 = unlimited)
	MaxPayloadBytes int         // max anchor+note bytes per highlight (0 = unlimited)

	DefaultListLimit int // page size for highlight fetches when unspecified
	MaxListLimit     int

	StageMetrics    StageMetricsRecorder
	LogStageTimings bool
}

// SyncService is the stateless sync gateway core. All durability and
// atomicity live in the two stores; the service never retries on the
// caller's behalf and holds no cross-request locks.
type SyncService struct {
	progress   ProgressStore
	highlights HighlightStore
	catalog    BookCatalog
	config     *ServiceConfig
	logger     *slog.Logger
}

// NewSyncService creates a sync service over the given stores.
func NewSyncService(progress ProgressStore, highlights HighlightStore, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if progress == nil || highlights == nil {
		return nil, errors.New("progress and highlight stores are required")
	}
	if config == nil {
		config = &ServiceConfig{AppName: "readsync"}
	}
	if config.DefaultListLimit <= 0 {
		config.DefaultListLimit = 500
	}
	if config.MaxListLimit <= 0 {
		config.MaxListLimit = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	catalog := config.Catalog
	if catalog == nil {
		catalog = AllowAllCatalog{}
	}

	return &SyncService{
		progress:   progress,
		highlights: highlights,
		catalog:    catalog,
		config:     config,
		logger:     logger,
	}, nil
}

// GetProgress returns the current reading position, or ErrNotFound.
func (s *SyncService) GetProgress(ctx context.Context, userID, bookID string) (*ReadingProgress, error) {
	start := s.stageStart()
	rec, err := s.progress.Read(ctx, userID, bookID)
	s.observeStage(ctx, MetricsStageProgressRead, start, 1, err != nil && !errors.Is(err, ErrNotFound))
	return rec, err
}

// PutProgress validates and applies a CAS progress write. Validation failures
// return a wrapped ErrValidation; a stale base version comes back in the
// result with Accepted=false and the authoritative current record.
func (s *SyncService) PutProgress(ctx context.Context, userID, deviceID, bookID string, req *ProgressUpdateRequest) (*ProgressWriteResult, error) {
	if err := s.catalog.Lookup(ctx, userID, bookID); err != nil {
		return nil, err
	}

	w, err := parseProgressWrite(userID, bookID, deviceID, req)
	if err != nil {
		return nil, err
	}

	start := s.stageStart()
	result, err := s.progress.Write(ctx, w)
	s.observeStage(ctx, MetricsStageProgressWrite, start, 1, err != nil)
	if err != nil {
		return nil, fmt.Errorf("progress write %s/%s: %w", userID, bookID, err)
	}

	if !result.Accepted {
		s.logger.Debug("Progress write conflicted",
			"user_id", userID, "book_id", bookID,
			"base_version", req.BaseVersion, "device_id", deviceID)
	}
	return result, nil
}

// ApplyHighlightBatch applies each item independently; one malformed item
// never blocks the rest. Statuses are returned in request order. An
// oversized batch rejects every item so the client keeps its pending entries.
func (s *SyncService) ApplyHighlightBatch(ctx context.Context, userID, deviceID string, items []HighlightUpload) []HighlightUploadStatus {
	statuses := make([]HighlightUploadStatus, 0, len(items))

	if s.config.MaxBatchSize > 0 && len(items) > s.config.MaxBatchSize {
		err := fmt.Errorf("batch too large: items=%d limit=%d", len(items), s.config.MaxBatchSize)
		for i := range items {
			statuses = append(statuses, statusRejected(batchItemID(userID, &items[i]), ReasonBatchTooLarge, err))
		}
		return statuses
	}

	start := s.stageStart()
	for i := range items {
		statuses = append(statuses, s.applyHighlightItem(ctx, userID, deviceID, &items[i]))
	}
	s.observeStage(ctx, MetricsStageHighlightBatch, start, len(items), false)

	return statuses
}

// batchItemID resolves the id a status should carry when an item is rejected
// before validation derives one.
func batchItemID(userID string, item *HighlightUpload) string {
	if item.ID != "" {
		return item.ID
	}
	if item.BookID == "" || item.AnchorRange == "" {
		return ""
	}
	return HighlightID(userID, item.BookID, item.AnchorRange).String()
}

func (s *SyncService) applyHighlightItem(ctx context.Context, userID, deviceID string, item *HighlightUpload) HighlightUploadStatus {
	id, err := validateHighlightUpload(userID, item, s.config.MaxPayloadBytes)
	if err != nil {
		s.logger.Warn("Highlight item rejected",
			"user_id", userID, "device_id", deviceID, "book_id", item.BookID, "error", err)
		return statusRejected(item.ID, ReasonBadPayload, err)
	}

	if err := s.catalog.Lookup(ctx, userID, item.BookID); err != nil {
		return statusRejected(id.String(), ReasonUnknownBook, err)
	}

	var applied bool
	if item.Deleted {
		_, applied, err = s.highlights.SoftDelete(ctx, userID, item.BookID, id, item.ClientUpdatedAt)
	} else {
		_, applied, err = s.highlights.Upsert(ctx, Highlight{
			ID:              id,
			UserID:          userID,
			BookID:          item.BookID,
			AnchorRange:     item.AnchorRange,
			Color:           item.Color,
			Note:            item.Note,
			ClientUpdatedAt: item.ClientUpdatedAt,
		})
	}
	if err != nil {
		s.logger.Error("Highlight write failed",
			"user_id", userID, "book_id", item.BookID, "id", id, "deleted", item.Deleted, "error", err)
		return statusRejected(id.String(), ReasonInternalError, err)
	}

	if !applied {
		return statusAcceptedNoOp(id.String())
	}
	return statusAccepted(id.String())
}

// ListHighlights returns highlights changed after the cursor, tombstones
// included, plus the cursor for the next incremental fetch.
func (s *SyncService) ListHighlights(ctx context.Context, userID, bookID string, after int64, limit int) (*HighlightListResponse, error) {
	if err := s.catalog.Lookup(ctx, userID, bookID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = s.config.DefaultListLimit
	}
	if limit > s.config.MaxListLimit {
		limit = s.config.MaxListLimit
	}

	start := s.stageStart()
	items, cursor, hasMore, err := s.highlights.ListSince(ctx, userID, bookID, after, limit)
	s.observeStage(ctx, MetricsStageHighlightList, start, len(items), err != nil)
	if err != nil {
		return nil, fmt.Errorf("list highlights %s/%s: %w", userID, bookID, err)
	}

	resp := &HighlightListResponse{
		Items:   make([]HighlightResponse, 0, len(items)),
		Cursor:  cursor,
		HasMore: hasMore,
	}
	for i := range items {
		resp.Items = append(resp.Items, *items[i].ToResponse())
	}
	return resp, nil
}
