// Package signals is the validated facade over the time-series store used
// by the pipeline and the HTTP edge.
package signals

import (
	"context"

	"github.com/etlmon/backend/internal/core"
)

// Repo is the persistence slice behind the facade.
type Repo interface {
	GetOrCreateSegmentCode(ctx context.Context, loaderCode string, segments [10]*string) (int, error)
	ListSegmentCombinations(ctx context.Context, loaderCode string) ([]*core.SegmentCombination, error)
	InsertSignals(ctx context.Context, signals []*core.SignalHistory, strategy core.PurgeStrategy) (int64, error)
	PurgeSignals(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) (int64, error)
	CountSignals(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) (int64, error)
	QuerySignals(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) ([]*core.SignalHistory, error)
	DistinctSignalTimestamps(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) ([]int64, error)
}

// LoaderCatalog answers loader existence checks.
type LoaderCatalog interface {
	GetActiveLoader(ctx context.Context, loaderCode string) (*core.Loader, error)
}

// Service validates inputs before touching the store.
type Service struct {
	repo    Repo
	loaders LoaderCatalog
}

// NewService wires the facade.
func NewService(repo Repo, loaders LoaderCatalog) *Service {
	return &Service{repo: repo, loaders: loaders}
}

// Append writes one signal.
func (s *Service) Append(ctx context.Context, sig *core.SignalHistory) error {
	_, err := s.BulkAppend(ctx, sig.LoaderCode, []*core.SignalHistory{sig})
	return err
}

// BulkAppend writes up to MaxBulkAppendSignals records for one loader with
// SKIP_DUPLICATES semantics. Every record must carry the loader's code and
// a nonzero timestamp.
func (s *Service) BulkAppend(ctx context.Context, loaderCode string, sigs []*core.SignalHistory) (int64, error) {
	if len(sigs) == 0 {
		return 0, nil
	}
	if len(sigs) > core.MaxBulkAppendSignals {
		return 0, core.Errf(core.CodeValidation,
			"bulk append of %d signals exceeds the %d cap", len(sigs), core.MaxBulkAppendSignals)
	}
	if _, err := s.loaders.GetActiveLoader(ctx, loaderCode); err != nil {
		return 0, err
	}
	for i, sig := range sigs {
		if sig.LoaderCode != loaderCode {
			return 0, core.Errf(core.CodeValidation,
				"signal %d belongs to %q, not %q", i, sig.LoaderCode, loaderCode)
		}
		if sig.LoadTimestamp <= 0 {
			return 0, core.Errf(core.CodeValidation, "signal %d has no timestamp", i)
		}
	}
	return s.repo.InsertSignals(ctx, sigs, core.SkipDuplicates)
}

// Query returns signals in [fromEpoch, toEpoch), optionally filtered to
// one segment code.
func (s *Service) Query(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64, segmentCode *int) ([]*core.SignalHistory, error) {
	if fromEpoch < 0 || fromEpoch >= toEpoch {
		return nil, core.Errf(core.CodeValidation,
			"invalid range [%d, %d)", fromEpoch, toEpoch)
	}
	all, err := s.repo.QuerySignals(ctx, loaderCode, fromEpoch, toEpoch)
	if err != nil {
		return nil, err
	}
	if segmentCode == nil {
		return all, nil
	}
	filtered := all[:0]
	for _, sig := range all {
		if sig.SegmentCode == *segmentCode {
			filtered = append(filtered, sig)
		}
	}
	return filtered, nil
}

// DeleteRange removes signals in [fromEpoch, toEpoch). Only the pipeline's
// PURGE_AND_RELOAD step and admin tooling call this.
func (s *Service) DeleteRange(ctx context.Context, loaderCode string, fromEpoch, toEpoch int64) (int64, error) {
	if fromEpoch < 0 || fromEpoch >= toEpoch {
		return 0, core.Errf(core.CodeValidation,
			"invalid range [%d, %d)", fromEpoch, toEpoch)
	}
	return s.repo.PurgeSignals(ctx, loaderCode, fromEpoch, toEpoch)
}

// GetOrCreateSegmentCode resolves a segment tuple to its dense code.
func (s *Service) GetOrCreateSegmentCode(ctx context.Context, loaderCode string, segments [10]*string) (int, error) {
	return s.repo.GetOrCreateSegmentCode(ctx, loaderCode, segments)
}

// SegmentCombinations lists the known tuples of a loader.
func (s *Service) SegmentCombinations(ctx context.Context, loaderCode string) ([]*core.SegmentCombination, error) {
	return s.repo.ListSegmentCombinations(ctx, loaderCode)
}
