// Copyright 2025 ReadKnows Authors
// SPDX-License-Identifier: Apache-2.0

package readsync

import (
	"context"
	"time"
)

const (
	MetricsStageProgressRead   = "progress_read"
	MetricsStageProgressWrite  = "progress_write"
	MetricsStageHighlightBatch = "highlight_batch"
	MetricsStageHighlightList  = "highlight_list"
)

type StageTiming struct {
	Stage    string
	Duration time.Duration
	Count    int
	Error    bool
}

type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

func (s *SyncService) stageTimingEnabled() bool {
	if s == nil || s.config == nil {
		return false
	}
	return s.config.StageMetrics != nil || s.config.LogStageTimings
}

func (s *SyncService) stageStart() time.Time {
	if !s.stageTimingEnabled() {
		return time.Time{}
	}
	return time.Now()
}

func (s *SyncService) observeStage(ctx context.Context, stage string, start time.Time, count int, hadError bool) {
	if start.IsZero() || s == nil || s.config == nil {
		return
	}

	timing := StageTiming{
		Stage:    stage,
		Duration: time.Since(start),
		Count:    count,
		Error:    hadError,
	}

	if s.config.StageMetrics != nil {
		s.config.StageMetrics.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings && s.logger != nil {
		s.logger.Debug("Stage timing",
			"stage", timing.Stage,
			"duration", timing.Duration,
			"count", timing.Count,
			"error", timing.Error,
		)
	}
}
