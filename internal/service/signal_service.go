package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"signalgw/internal/domain"
	"signalgw/internal/events"
	"signalgw/internal/gwerrors"
	"signalgw/internal/logging"
	"signalgw/internal/models"

	"github.com/rs/zerolog"
)

// Options configures the signal service. Zero values take defaults.
type Options struct {
	SysName        string
	SysVersion     string
	Supplier       string
	TimeoutSeconds int
	MaxRetryCount  int
	Priorities     map[models.SyncType]int
}

var defaultPriorities = map[models.SyncType]int{
	models.SyncTypeCtrlMode: 10,
	models.SyncTypePlan:     5,
	models.SyncTypeConfig:   1,
}

// SignalService keeps the controller catalog and turns Set operations into
// sync tasks. Catalog changes requested by a Set take effect once the task
// completes.
type SignalService struct {
	opts      Options
	scheduler domain.SyncScheduler
	adapters  domain.AdapterRegistry
	events    domain.EventPublisher
	logger    zerolog.Logger

	mu          sync.RWMutex
	controllers map[string]*models.SignalControllerParam
	crosses     map[string]*models.CrossParam
	plans       map[string]map[int]*models.PlanParam
	states      map[string]*models.CrossState
	pending     map[string]func()
}

func NewSignalService(
	opts Options,
	inventory []models.ControllerSpec,
	scheduler domain.SyncScheduler,
	adapters domain.AdapterRegistry,
	publisher domain.EventPublisher,
	logger *zerolog.Logger,
) *SignalService {
	if opts.SysName == "" {
		opts.SysName = "signalgw"
	}
	if opts.Priorities == nil {
		opts.Priorities = defaultPriorities
	}

	s := &SignalService{
		opts:        opts,
		scheduler:   scheduler,
		adapters:    adapters,
		events:      publisher,
		logger:      logging.Component(logger, "signal-service"),
		controllers: make(map[string]*models.SignalControllerParam),
		crosses:     make(map[string]*models.CrossParam),
		plans:       make(map[string]map[int]*models.PlanParam),
		states:      make(map[string]*models.CrossState),
		pending:     make(map[string]func()),
	}
	s.load(inventory)
	return s
}

func (s *SignalService) load(inventory []models.ControllerSpec) {
	for i := range inventory {
		spec := &inventory[i]
		s.controllers[spec.ID] = &models.SignalControllerParam{
			SignalControllerID: spec.ID,
			Brand:              spec.Brand,
			Model:              spec.Model,
			IP:                 spec.IP,
			Port:               spec.Port,
			CrossIDs:           spec.CrossIDs(),
		}
		for _, c := range spec.Crosses {
			s.crosses[c.ID] = &models.CrossParam{
				CrossID:            c.ID,
				CrossName:          c.Name,
				SignalControllerID: spec.ID,
				LaneNos:            c.LaneNos,
				Longitude:          c.Longitude,
				Latitude:           c.Latitude,
				Tags:               c.Tags,
			}
			s.plans[c.ID] = make(map[int]*models.PlanParam)
		}
	}
}

func (s *SignalService) SysInfo(_ context.Context) *models.SysInfo {
	s.mu.RLock()
	ids := make([]string, 0, len(s.controllers))
	for id := range s.controllers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	return &models.SysInfo{
		SysName:             s.opts.SysName,
		SysVersion:          s.opts.SysVersion,
		Supplier:            s.opts.Supplier,
		SignalControllerIDs: ids,
	}
}

// Query answers a Get. Without an id it returns every object of the type.
func (s *SignalService) Query(ctx context.Context, q *models.QueryCommand) (models.Payload, error) {
	if q == nil || q.ObjName == "" {
		return nil, gwerrors.Validation("query without object name")
	}

	switch q.ObjName {
	case models.ObjSysInfo:
		return s.SysInfo(ctx), nil
	case models.ObjCrossParam:
		return s.queryCross(q.ID)
	case models.ObjSignalControllerParam:
		return s.queryController(q.ID)
	case models.ObjPlanParam:
		return s.queryPlan(q.ID, q.No)
	case models.ObjCrossState:
		return s.queryState(q.ID)
	case models.ObjSyncTaskStatus:
		if q.ID == "" {
			return nil, gwerrors.Validation("SyncTaskStatus query requires a task id")
		}
		task, err := s.scheduler.GetStatus(q.ID)
		if err != nil {
			return nil, err
		}
		return task.StatusPayload(), nil
	}
	return nil, gwerrors.Unsupported("query of %s is not supported", q.ObjName)
}

func (s *SignalService) queryCross(id string) (models.Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id != "" {
		c, ok := s.crosses[id]
		if !ok {
			return nil, gwerrors.NotFound("cross %s", id)
		}
		cp := *c
		return &cp, nil
	}
	list := &models.ListPayload{ItemType: models.ObjCrossParam, Items: []models.Payload{}}
	for _, id := range sortedKeys(s.crosses) {
		cp := *s.crosses[id]
		list.Items = append(list.Items, &cp)
	}
	return list, nil
}

func (s *SignalService) queryController(id string) (models.Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id != "" {
		c, ok := s.controllers[id]
		if !ok {
			return nil, gwerrors.NotFound("signal controller %s", id)
		}
		cp := *c
		return &cp, nil
	}
	list := &models.ListPayload{ItemType: models.ObjSignalControllerParam, Items: []models.Payload{}}
	for _, id := range sortedKeys(s.controllers) {
		cp := *s.controllers[id]
		list.Items = append(list.Items, &cp)
	}
	return list, nil
}

// queryPlan takes the cross id and an optional plan number.
func (s *SignalService) queryPlan(crossID string, planNo int) (models.Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	crossIDs := sortedKeys(s.plans)
	if crossID != "" {
		plans, ok := s.plans[crossID]
		if !ok {
			return nil, gwerrors.NotFound("cross %s", crossID)
		}
		if planNo > 0 {
			p, ok := plans[planNo]
			if !ok {
				return nil, gwerrors.NotFound("plan %d of cross %s", planNo, crossID)
			}
			cp := *p
			return &cp, nil
		}
		crossIDs = []string{crossID}
	}

	list := &models.ListPayload{ItemType: models.ObjPlanParam, Items: []models.Payload{}}
	for _, id := range crossIDs {
		plans := s.plans[id]
		nos := make([]int, 0, len(plans))
		for no := range plans {
			nos = append(nos, no)
		}
		sort.Ints(nos)
		for _, no := range nos {
			cp := *plans[no]
			list.Items = append(list.Items, &cp)
		}
	}
	return list, nil
}

func (s *SignalService) queryState(crossID string) (models.Payload, error) {
	if crossID != "" {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if _, ok := s.crosses[crossID]; !ok {
			return nil, gwerrors.NotFound("cross %s", crossID)
		}
		st, ok := s.states[crossID]
		if !ok {
			return nil, gwerrors.NotFound("no state reported for cross %s", crossID)
		}
		cp := *st
		return &cp, nil
	}
	return s.CrossStates(), nil
}

// CrossStates lists every known cross state.
func (s *SignalService) CrossStates() *models.ListPayload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := &models.ListPayload{ItemType: models.ObjCrossState, Items: []models.Payload{}}
	for _, id := range sortedKeys(s.states) {
		cp := *s.states[id]
		list.Items = append(list.Items, &cp)
	}
	return list
}

// ApplyCrossState records a state reported by a controller and announces it.
func (s *SignalService) ApplyCrossState(_ context.Context, state *models.CrossState) error {
	if state == nil || state.CrossID == "" {
		return gwerrors.Validation("cross state without cross id")
	}

	s.mu.Lock()
	if _, ok := s.crosses[state.CrossID]; !ok {
		s.mu.Unlock()
		return gwerrors.NotFound("cross %s", state.CrossID)
	}
	cp := *state
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	s.states[cp.CrossID] = &cp
	s.mu.Unlock()

	s.publish(events.EventCrossStateChanged, cp)
	return nil
}

func (s *SignalService) publish(eventType string, payload interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to publish event")
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
