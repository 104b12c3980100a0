// Package subscription keeps per-peer push subscriptions and delivers Notify
// messages to subscribed peers.
package subscription

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"signalgw/internal/domain"
	"signalgw/internal/events"
	"signalgw/internal/gwerrors"
	"signalgw/internal/metrics"
	"signalgw/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotSubscribed is returned by Push when the peer has no active
// subscription for the object.
var ErrNotSubscribed = errors.New("no active subscription")

// Producer builds the payload pushed on each tick of a recurring producer.
// A nil payload skips the tick.
type Producer func(ctx context.Context, peerID string) (models.Payload, error)

type Options struct {
	SupportedObjects []string
	PushInterval     time.Duration
	DeliverTimeout   time.Duration
	EventBuffer      int
	From             models.Address
}

// Engine owns the subscription registry. Pushes to one peer are serialized,
// so every (peer, object) pair sees pushes in production order.
type Engine struct {
	opts      Options
	allowAll  bool
	allowed   map[string]bool
	transport domain.Transport
	logger    zerolog.Logger

	peers  sync.Map // peerID -> *peerState
	active atomic.Int64

	producersMu sync.RWMutex
	producers   map[string]Producer

	broadcasts chan broadcast

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type peerState struct {
	// sendMu fences deliveries against unsubscribe; taken before mu.
	sendMu   sync.Mutex
	mu       sync.Mutex
	objects  map[string]bool
	// excluded holds objects unsubscribed individually while "*" is held.
	excluded map[string]bool
	loops    map[string]context.CancelFunc
	removed  bool
}

type broadcast struct {
	object  string
	payload models.Payload
}

func New(opts Options, transport domain.Transport, logger *zerolog.Logger) *Engine {
	if opts.PushInterval <= 0 {
		opts.PushInterval = 5 * time.Second
	}
	if opts.DeliverTimeout <= 0 {
		opts.DeliverTimeout = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}

	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "subscription").Logger()
	}

	e := &Engine{
		opts:       opts,
		allowed:    make(map[string]bool),
		transport:  transport,
		logger:     log,
		producers:  make(map[string]Producer),
		broadcasts: make(chan broadcast, opts.EventBuffer),
	}
	for _, obj := range opts.SupportedObjects {
		obj = strings.TrimSpace(obj)
		if obj == models.WildcardObject {
			e.allowAll = true
			continue
		}
		if obj != "" {
			e.allowed[obj] = true
		}
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// RegisterProducer installs the recurring producer for object. Peers that are
// already subscribed pick it up on their next subscription change.
func (e *Engine) RegisterProducer(object string, p Producer) {
	e.producersMu.Lock()
	defer e.producersMu.Unlock()
	e.producers[object] = p
}

// GetSupportedObjects returns the allow-list, "*" included when configured.
func (e *Engine) GetSupportedObjects() []string {
	out := make([]string, 0, len(e.allowed)+1)
	for obj := range e.allowed {
		out = append(out, obj)
	}
	sort.Strings(out)
	if e.allowAll {
		out = append(out, models.WildcardObject)
	}
	return out
}

func (e *Engine) supports(object string) bool {
	return e.allowAll || e.allowed[object]
}

func validateEntity(entity *models.MsgEntity) (string, error) {
	if entity == nil {
		return "", gwerrors.Validation("subscription entity is required")
	}
	if entity.MsgType != models.TypePush {
		return "", gwerrors.Validation("only %s messages can be subscribed, got %q", models.TypePush, entity.MsgType)
	}
	if entity.OperName != models.OpNotify {
		return "", gwerrors.Validation("only %s operations can be subscribed, got %q", models.OpNotify, entity.OperName)
	}
	object := strings.TrimSpace(entity.ObjName)
	if object == "" {
		return "", gwerrors.Validation("object name is required")
	}
	return object, nil
}

// HandleSubscribe adds (peerID, object). Subscribing twice is a no-op.
// Subscribing to "*" covers every supported object.
func (e *Engine) HandleSubscribe(peerID string, entity *models.MsgEntity) error {
	if peerID == "" {
		return gwerrors.Validation("peer id is required")
	}
	object, err := validateEntity(entity)
	if err != nil {
		return err
	}
	if object != models.WildcardObject && !e.supports(object) {
		return gwerrors.Unsupported("object %s is not subscribable", object)
	}

	for {
		v, _ := e.peers.LoadOrStore(peerID, &peerState{
			objects:  make(map[string]bool),
			excluded: make(map[string]bool),
			loops:    make(map[string]context.CancelFunc),
		})
		st := v.(*peerState)

		st.mu.Lock()
		if st.removed {
			st.mu.Unlock()
			continue
		}
		added := !st.objects[object]
		if added {
			st.objects[object] = true
			e.active.Add(1)
		}
		if object == models.WildcardObject {
			st.excluded = make(map[string]bool)
		} else {
			delete(st.excluded, object)
		}
		e.syncLoopsLocked(peerID, st)
		st.mu.Unlock()

		if added {
			metrics.SetActiveSubscriptions(int(e.active.Load()))
			e.logger.Info().Str("peer_id", peerID).Str("object", object).Msg("subscribed")
		}
		return nil
	}
}

// HandleUnsubscribe removes (peerID, object). Removing an absent entry
// succeeds. Unsubscribing "*" drops every subscription of the peer, and
// unsubscribing one object while "*" is held excludes that object. Once it
// returns, no later Push for the pair is delivered.
func (e *Engine) HandleUnsubscribe(peerID string, entity *models.MsgEntity) error {
	object, err := validateEntity(entity)
	if err != nil {
		return err
	}

	v, ok := e.peers.Load(peerID)
	if !ok {
		return nil
	}
	st := v.(*peerState)

	st.sendMu.Lock()
	defer st.sendMu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()

	var removed int
	changed := false
	if object == models.WildcardObject {
		removed = len(st.objects)
		st.objects = make(map[string]bool)
		st.excluded = make(map[string]bool)
		changed = removed > 0
	} else {
		if st.objects[object] {
			delete(st.objects, object)
			removed = 1
			changed = true
		}
		if st.objects[models.WildcardObject] && !st.excluded[object] {
			if st.excluded == nil {
				st.excluded = make(map[string]bool)
			}
			st.excluded[object] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}

	e.active.Add(int64(-removed))
	e.syncLoopsLocked(peerID, st)
	metrics.SetActiveSubscriptions(int(e.active.Load()))
	e.logger.Info().Str("peer_id", peerID).Str("object", object).Msg("unsubscribed")
	return nil
}

// RemovePeer drops every subscription of a disconnected peer.
func (e *Engine) RemovePeer(peerID string) {
	v, ok := e.peers.LoadAndDelete(peerID)
	if !ok {
		return
	}
	st := v.(*peerState)

	st.sendMu.Lock()
	defer st.sendMu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()

	st.removed = true
	e.active.Add(int64(-len(st.objects)))
	st.objects = make(map[string]bool)
	st.excluded = make(map[string]bool)
	for obj, stop := range st.loops {
		stop()
		delete(st.loops, obj)
	}
	metrics.SetActiveSubscriptions(int(e.active.Load()))
	e.logger.Info().Str("peer_id", peerID).Msg("peer subscriptions removed")
}

// IsSubscriptionActive reports whether peerID currently receives object.
func (e *Engine) IsSubscriptionActive(peerID, object string) bool {
	v, ok := e.peers.Load(peerID)
	if !ok {
		return false
	}
	st := v.(*peerState)
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.activeLocked(st, object)
}

func (e *Engine) activeLocked(st *peerState, object string) bool {
	if st.removed {
		return false
	}
	if st.objects[object] {
		return true
	}
	return st.objects[models.WildcardObject] && !st.excluded[object] && e.supports(object)
}

// Subscriptions lists the peer's subscribed object names.
func (e *Engine) Subscriptions(peerID string) []string {
	v, ok := e.peers.Load(peerID)
	if !ok {
		return nil
	}
	st := v.(*peerState)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]string, 0, len(st.objects))
	for obj := range st.objects {
		out = append(out, obj)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns every peer's subscriptions.
func (e *Engine) Snapshot() map[string][]string {
	out := make(map[string][]string)
	e.peers.Range(func(k, _ any) bool {
		peerID := k.(string)
		if subs := e.Subscriptions(peerID); len(subs) > 0 {
			out[peerID] = subs
		}
		return true
	})
	return out
}

// Push delivers one PUSH/Notify message. Delivery is attempted once; a
// failure is logged, counted and returned, never retried.
func (e *Engine) Push(ctx context.Context, peerID, object string, payload models.Payload) error {
	v, ok := e.peers.Load(peerID)
	if !ok {
		return ErrNotSubscribed
	}
	st := v.(*peerState)

	st.sendMu.Lock()
	defer st.sendMu.Unlock()

	st.mu.Lock()
	active := e.activeLocked(st, object)
	st.mu.Unlock()
	if !active {
		return ErrNotSubscribed
	}

	msg := models.NewPush(uuid.NewString(), e.opts.From, models.Address{Sys: peerID}, payload)

	deliverCtx, cancel := context.WithTimeout(ctx, e.opts.DeliverTimeout)
	defer cancel()
	if err := e.transport.Deliver(deliverCtx, peerID, msg); err != nil {
		metrics.IncPush(object, "error")
		e.logger.Warn().Err(err).Str("peer_id", peerID).Str("object", object).Str("seq", msg.Seq).Msg("push delivery failed")
		return gwerrors.Transport(err, "push %s to %s", object, peerID)
	}
	metrics.IncPush(object, "ok")
	return nil
}

// Broadcast pushes payload to every peer subscribed to object.
func (e *Engine) Broadcast(ctx context.Context, object string, payload models.Payload) int {
	delivered := 0
	e.peers.Range(func(k, _ any) bool {
		peerID := k.(string)
		if !e.IsSubscriptionActive(peerID, object) {
			return true
		}
		if err := e.Push(ctx, peerID, object, payload); err == nil {
			delivered++
		}
		return true
	})
	return delivered
}

// Listen feeds domain events from bus into the engine. Events are queued and
// pushed by Run so publishers never wait on peer delivery.
func (e *Engine) Listen(bus *events.EventBus) {
	bus.Subscribe(events.EventCrossStateChanged, func(ev *events.Event) error {
		var state models.CrossState
		if err := ev.Decode(&state); err != nil {
			return err
		}
		e.enqueue(models.ObjCrossState, &state)
		return nil
	})
	bus.Subscribe(events.EventSyncTaskFinished, func(ev *events.Event) error {
		var p events.TaskEventPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		e.enqueue(models.ObjSyncTaskStatus, &models.SyncTaskStatus{
			TaskID:       p.TaskID,
			ControllerID: p.ControllerID,
			SyncType:     p.SyncType,
			Status:       p.Status,
			Progress:     p.Progress,
			Message:      p.Message,
		})
		return nil
	})
	bus.Subscribe(events.EventControllerChanged, func(ev *events.Event) error {
		var param models.SignalControllerParam
		if err := ev.Decode(&param); err != nil {
			return err
		}
		e.enqueue(models.ObjSignalControllerParam, &param)
		return nil
	})
	bus.Subscribe(events.EventPeerDisconnected, func(ev *events.Event) error {
		var p events.PeerEventPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		e.RemovePeer(p.PeerID)
		return nil
	})
}

func (e *Engine) enqueue(object string, payload models.Payload) {
	select {
	case e.broadcasts <- broadcast{object: object, payload: payload}:
	default:
		metrics.IncPush(object, "dropped")
		e.logger.Warn().Str("object", object).Msg("event buffer full, push dropped")
	}
}

// Run pushes queued domain events until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-e.broadcasts:
			n := e.Broadcast(ctx, b.object, b.payload)
			e.logger.Debug().Str("object", b.object).Int("delivered", n).Msg("event pushed")
		}
	}
}

// Close stops every recurring producer.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// syncLoopsLocked starts a producer loop for each active object that has a
// producer and stops loops whose object is no longer active.
func (e *Engine) syncLoopsLocked(peerID string, st *peerState) {
	e.producersMu.RLock()
	defer e.producersMu.RUnlock()

	for object, produce := range e.producers {
		active := e.activeLocked(st, object)
		stop, running := st.loops[object]
		switch {
		case active && !running:
			ctx, cancel := context.WithCancel(e.ctx)
			st.loops[object] = cancel
			e.wg.Add(1)
			go e.produceLoop(ctx, peerID, object, produce)
		case !active && running:
			stop()
			delete(st.loops, object)
		}
	}
}

func (e *Engine) produceLoop(ctx context.Context, peerID, object string, produce Producer) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !e.IsSubscriptionActive(peerID, object) {
			continue
		}
		payload, err := produce(ctx, peerID)
		if err != nil {
			e.logger.Warn().Err(err).Str("peer_id", peerID).Str("object", object).Msg("producer failed")
			continue
		}
		if payload == nil {
			continue
		}
		// Failures are logged inside Push; the next tick is the only retry.
		_ = e.Push(ctx, peerID, object, payload)
	}
}
