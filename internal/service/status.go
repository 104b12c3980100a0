package service

import (
	"context"
	"time"

	"signalgw/internal/models"
)

func (s *SignalService) now() time.Time { return time.Now() }

// RefreshStates reads every controller through its adapter and applies the
// states that changed. It returns the number of updated crosses.
func (s *SignalService) RefreshStates(ctx context.Context) int {
	if s.adapters == nil {
		return 0
	}

	s.mu.RLock()
	ids := sortedKeys(s.controllers)
	s.mu.RUnlock()

	updated := 0
	for _, id := range ids {
		adapter, ok := s.adapters.GetAdapterByControllerID(id)
		if !ok {
			continue
		}
		states, err := adapter.ReadStatus(ctx, id)
		if err != nil {
			s.logger.Warn().Err(err).Str("controller_id", id).Msg("failed to read controller status")
			continue
		}
		for _, st := range states {
			if !s.changed(st) {
				continue
			}
			if err := s.ApplyCrossState(ctx, st); err == nil {
				updated++
			}
		}
	}
	return updated
}

func (s *SignalService) changed(st *models.CrossState) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.states[st.CrossID]
	if !ok {
		return true
	}
	return cur.Online != st.Online || cur.CtrlMode != st.CtrlMode || cur.PlanNo != st.PlanNo || cur.StageNo != st.StageNo
}

// PollStates refreshes controller states every interval until ctx ends.
func (s *SignalService) PollStates(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.RefreshStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RefreshStates(ctx)
		}
	}
}

// CrossStateProducer feeds periodic CrossState pushes.
func (s *SignalService) CrossStateProducer(_ context.Context, _ string) (models.Payload, error) {
	return s.CrossStates(), nil
}

// SysInfoProducer feeds periodic SysInfo pushes.
func (s *SignalService) SysInfoProducer(ctx context.Context, _ string) (models.Payload, error) {
	return s.SysInfo(ctx), nil
}
