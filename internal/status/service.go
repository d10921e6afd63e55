package status

import (
	"context"

	"go.uber.org/zap"

	"github.com/docchat/backend/internal/metrics"
	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
)

type ReadinessSource interface {
	DocumentReadiness(ctx context.Context, user string, ids []int64) (map[int64]models.Readiness, error)
}

type DocumentState struct {
	DocumentID int64   `json:"document_id"`
	Ready      bool    `json:"ready"`
	Processing *Status `json:"processing"`
}

type Report struct {
	Documents []DocumentState `json:"documents"`
	AllReady  bool            `json:"all_ready"`
}

type Service struct {
	db    ReadinessSource
	store Store
}

func NewService(db ReadinessSource, store Store) *Service {
	return &Service{db: db, store: store}
}

// NormalizeIDs drops non-positive ids and duplicates, keeping first-seen order.
func NormalizeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Check reports readiness for ids as seen by user. Documents the user cannot
// see, or that were deleted, report not ready. A ready document's leftover
// status is cleared on the way out.
func (s *Service) Check(ctx context.Context, user string, ids []int64) (*Report, error) {
	ids = NormalizeIDs(ids)
	report := &Report{Documents: make([]DocumentState, 0, len(ids)), AllReady: true}
	if len(ids) == 0 {
		return report, nil
	}

	readiness, err := s.db.DocumentReadiness(ctx, user, ids)
	if err != nil {
		return nil, err
	}
	metrics.StatusPolls.Inc()

	for _, id := range ids {
		r, visible := readiness[id]
		state := DocumentState{DocumentID: id, Ready: visible && r.Ready}

		switch {
		case state.Ready:
			s.clearStale(ctx, id)
		case visible:
			st, err := s.store.Get(ctx, id)
			if err != nil {
				logger.Warn("Failed to read processing status", zap.Int64("document_id", id), zap.Error(err))
			}
			state.Processing = st
		}

		if !state.Ready {
			report.AllReady = false
		}
		report.Documents = append(report.Documents, state)
	}
	return report, nil
}

func (s *Service) clearStale(ctx context.Context, id int64) {
	st, err := s.store.Get(ctx, id)
	if err != nil || st == nil {
		return
	}
	if err := s.store.Clear(ctx, id); err != nil {
		logger.Warn("Failed to clear stale status", zap.Int64("document_id", id), zap.Error(err))
		return
	}
	logger.Debug("Cleared stale status", zap.Int64("document_id", id), zap.String("stage", st.Stage))
}
