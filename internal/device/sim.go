package device

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"signalgw/internal/gwerrors"
	"signalgw/internal/models"
)

// Applied records one configuration accepted by a simulated controller.
type Applied struct {
	ControllerID string
	SyncType     models.SyncType
	Payload      models.Payload
	At           time.Time
}

// SimAdapter stands in for a controller brand. Configuration is applied to
// in-memory cross states after Latency.
type SimAdapter struct {
	brand   string
	latency time.Duration

	mu       sync.Mutex
	failNext int
	applied  []Applied
	states   map[string]map[string]*models.CrossState
}

func NewSimAdapter(brand string, latency time.Duration) *SimAdapter {
	return &SimAdapter{
		brand:   brand,
		latency: latency,
		states:  make(map[string]map[string]*models.CrossState),
	}
}

func (s *SimAdapter) Brand() string { return s.brand }

// FailNext makes the next n pushes fail with a transport error.
func (s *SimAdapter) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Seed sets up the crosses a controller drives, all online in FIXED mode.
func (s *SimAdapter) Seed(controllerID string, crossIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	crosses := make(map[string]*models.CrossState, len(crossIDs))
	now := time.Now()
	for _, id := range crossIDs {
		crosses[id] = &models.CrossState{
			CrossID:   id,
			Online:    true,
			CtrlMode:  models.CtrlModeFixed,
			PlanNo:    1,
			StageNo:   1,
			Timestamp: now,
		}
	}
	s.states[controllerID] = crosses
}

func (s *SimAdapter) PushConfig(ctx context.Context, controllerID string, syncType models.SyncType, payload models.Payload) error {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return gwerrors.Timeout("controller %s did not answer", controllerID)
			}
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		return gwerrors.Transport(errors.New("connection reset"), "push to controller %s", controllerID)
	}
	crosses, ok := s.states[controllerID]
	if !ok {
		return gwerrors.NotFound("controller %s is not connected", controllerID)
	}

	now := time.Now()
	switch p := payload.(type) {
	case *models.PlanParam:
		if st, ok := crosses[p.CrossID]; ok {
			st.PlanNo = p.PlanNo
			st.Timestamp = now
		}
	case *models.CrossCtrlInfo:
		if st, ok := crosses[p.CrossID]; ok {
			st.CtrlMode = p.CtrlMode
			if p.PlanNo > 0 {
				st.PlanNo = p.PlanNo
			}
			st.Timestamp = now
		}
	}

	s.applied = append(s.applied, Applied{
		ControllerID: controllerID,
		SyncType:     syncType,
		Payload:      payload,
		At:           now,
	})
	return nil
}

// ReadStatus returns copies of the controller's cross states ordered by id.
func (s *SimAdapter) ReadStatus(ctx context.Context, controllerID string) ([]*models.CrossState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	crosses, ok := s.states[controllerID]
	if !ok {
		return nil, gwerrors.NotFound("controller %s is not connected", controllerID)
	}
	out := make([]*models.CrossState, 0, len(crosses))
	for _, st := range crosses {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CrossID < out[j].CrossID })
	return out, nil
}

// Applied returns the configurations accepted so far.
func (s *SimAdapter) Applied() []Applied {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Applied(nil), s.applied...)
}
