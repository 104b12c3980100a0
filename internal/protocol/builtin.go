package protocol

import (
	"context"
	"time"

	"signalgw/internal/domain"
	"signalgw/internal/gwerrors"
	"signalgw/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Deps are the collaborators of the built-in handlers.
type Deps struct {
	Service       domain.SignalService
	Sessions      domain.SessionStore
	Auth          domain.Authenticator
	Subscriptions domain.SubscriptionManager
	TokenTTL      time.Duration
	Logger        *zerolog.Logger
}

// BuiltinSet returns the built-in handlers in dispatch priority order:
// generic query first, then the specific control handlers, then session and
// subscription handlers, ending with the catch-all state push handler.
func BuiltinSet(deps Deps) func() []Handler {
	log := zerolog.Nop()
	if deps.Logger != nil {
		log = deps.Logger.With().Str("component", "handlers").Logger()
	}
	ttl := deps.TokenTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	return func() []Handler {
		return []Handler{
			&queryHandler{svc: deps.Service},
			&controlHandler{
				name:       "set-plan",
				objectType: models.ObjPlanParam,
				apply: func(ctx context.Context, p models.Payload) (*models.SetResult, error) {
					return deps.Service.SetPlan(ctx, p.(*models.PlanParam))
				},
			},
			&controlHandler{
				name:       "set-ctrl-mode",
				objectType: models.ObjCrossCtrlInfo,
				apply: func(ctx context.Context, p models.Payload) (*models.SetResult, error) {
					return deps.Service.SetCtrlMode(ctx, p.(*models.CrossCtrlInfo))
				},
			},
			&controlHandler{
				name:       "set-controller-param",
				objectType: models.ObjSignalControllerParam,
				apply: func(ctx context.Context, p models.Payload) (*models.SetResult, error) {
					return deps.Service.SetControllerParam(ctx, p.(*models.SignalControllerParam))
				},
			},
			&loginHandler{sessions: deps.Sessions, auth: deps.Auth, ttl: ttl, logger: log},
			&logoutHandler{sessions: deps.Sessions, logger: log},
			&heartbeatHandler{sessions: deps.Sessions},
			&subscribeHandler{subs: deps.Subscriptions},
			&unsubscribeHandler{subs: deps.Subscriptions},
			&statePushHandler{svc: deps.Service, logger: log},
		}
	}
}

func firstData(msg *models.Message) models.Payload {
	first, _ := msg.FirstOperation()
	return first.Data
}

// queryHandler answers every Get carrying a query command.
type queryHandler struct {
	svc domain.SignalService
}

func (h *queryHandler) Name() string { return "query" }

func (h *queryHandler) Supports(msg *models.Message) bool {
	return Matches(msg, models.TypeRequest, models.OpGet, models.ObjQuery)
}

func (h *queryHandler) Handle(ctx context.Context, msg *models.Message) (*models.Message, error) {
	q := firstData(msg).(*models.QueryCommand)
	if q.ObjName == "" {
		return nil, gwerrors.Validation("query object name is required")
	}
	result, err := h.svc.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return models.NewResponse(msg, models.Operation{Name: models.OpGet, Data: result}), nil
}

// controlHandler answers a Set of one object type.
type controlHandler struct {
	name       string
	objectType string
	apply      func(ctx context.Context, p models.Payload) (*models.SetResult, error)
}

func (h *controlHandler) Name() string { return h.name }

func (h *controlHandler) Supports(msg *models.Message) bool {
	return Matches(msg, models.TypeRequest, models.OpSet, h.objectType)
}

func (h *controlHandler) Handle(ctx context.Context, msg *models.Message) (*models.Message, error) {
	result, err := h.apply(ctx, firstData(msg))
	if err != nil {
		return nil, err
	}
	return models.NewResponse(msg, models.Operation{Name: models.OpSet, Data: result}), nil
}

type loginHandler struct {
	sessions domain.SessionStore
	auth     domain.Authenticator
	ttl      time.Duration
	logger   zerolog.Logger
}

func (h *loginHandler) Name() string { return "login" }

func (h *loginHandler) Supports(msg *models.Message) bool {
	return Matches(msg, models.TypeRequest, models.OpLogin, models.ObjUser)
}

func (h *loginHandler) Handle(ctx context.Context, msg *models.Message) (*models.Message, error) {
	user := firstData(msg).(*models.UserPayload)
	if user.UserName == "" {
		return nil, gwerrors.Validation("user name is required")
	}
	if h.auth == nil || !h.auth.Authenticate(user.UserName, user.Pwd) {
		return nil, gwerrors.Unauthorized("login rejected for %s", user.UserName)
	}

	now := time.Now()
	session := &models.SessionInfo{
		Token:     uuid.NewString(),
		PeerID:    PeerFromContext(ctx),
		User:      user.UserName,
		Sys:       msg.From.Sys,
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := h.sessions.Create(ctx, session, h.ttl); err != nil {
		return nil, gwerrors.Internal(err, "create session")
	}

	h.logger.Info().Str("user", user.UserName).Str("peer_id", session.PeerID).Msg("peer logged in")
	reply := models.NewResponse(msg, models.Operation{
		Name: models.OpLogin,
		Data: &models.TokenPayload{Token: session.Token, ExpiresAt: now.Add(h.ttl)},
	})
	reply.Token = session.Token
	return reply, nil
}

type logoutHandler struct {
	sessions domain.SessionStore
	logger   zerolog.Logger
}

func (h *logoutHandler) Name() string { return "logout" }

func (h *logoutHandler) Supports(msg *models.Message) bool {
	return Matches(msg, models.TypeRequest, models.OpLogout, models.ObjUser)
}

func (h *logoutHandler) Handle(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if err := h.sessions.Remove(ctx, msg.Token); err != nil {
		return nil, gwerrors.Internal(err, "remove session")
	}
	user := firstData(msg).(*models.UserPayload)
	h.logger.Info().Str("user", user.UserName).Str("peer_id", PeerFromContext(ctx)).Msg("peer logged out")
	return models.NewResponse(msg, models.Operation{
		Name: models.OpLogout,
		Data: &models.UserPayload{UserName: user.UserName},
	}), nil
}

type heartbeatHandler struct {
	sessions domain.SessionStore
}

func (h *heartbeatHandler) Name() string { return "heartbeat" }

func (h *heartbeatHandler) Supports(msg *models.Message) bool {
	return Matches(msg, models.TypeRequest, models.OpNotify, models.ObjHeartBeat)
}

func (h *heartbeatHandler) Handle(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if h.sessions != nil {
		if err := h.sessions.Heartbeat(ctx, msg.Token); err != nil {
			return nil, err
		}
	}
	return models.NewResponse(msg, models.Operation{
		Name: models.OpNotify,
		Data: &models.HeartBeat{Time: time.Now()},
	}), nil
}

type subscribeHandler struct {
	subs domain.SubscriptionManager
}

func (h *subscribeHandler) Name() string { return "subscribe" }

func (h *subscribeHandler) Supports(msg *models.Message) bool {
	return Matches(msg, models.TypeRequest, models.OpSubscribe, models.ObjMsgEntity)
}

func (h *subscribeHandler) Handle(ctx context.Context, msg *models.Message) (*models.Message, error) {
	entity := firstData(msg).(*models.MsgEntity)
	if err := h.subs.HandleSubscribe(PeerFromContext(ctx), entity); err != nil {
		return nil, err
	}
	return models.NewResponse(msg, models.Operation{Name: models.OpSubscribe, Data: entity}), nil
}

type unsubscribeHandler struct {
	subs domain.SubscriptionManager
}

func (h *unsubscribeHandler) Name() string { return "unsubscribe" }

func (h *unsubscribeHandler) Supports(msg *models.Message) bool {
	return Matches(msg, models.TypeRequest, models.OpUnsubscribe, models.ObjMsgEntity)
}

func (h *unsubscribeHandler) Handle(ctx context.Context, msg *models.Message) (*models.Message, error) {
	entity := firstData(msg).(*models.MsgEntity)
	if err := h.subs.HandleUnsubscribe(PeerFromContext(ctx), entity); err != nil {
		return nil, err
	}
	return models.NewResponse(msg, models.Operation{Name: models.OpUnsubscribe, Data: entity}), nil
}

// statePushHandler is the catch-all for inbound PUSH Notify messages. Cross
// states update the service; other objects are logged and ignored.
type statePushHandler struct {
	svc    domain.SignalService
	logger zerolog.Logger
}

func (h *statePushHandler) Name() string { return "state-push" }

func (h *statePushHandler) Supports(msg *models.Message) bool {
	return msg.Is(models.TypePush, models.OpNotify)
}

func (h *statePushHandler) Handle(ctx context.Context, msg *models.Message) (*models.Message, error) {
	for _, op := range msg.Body.Operations {
		state, ok := op.Data.(*models.CrossState)
		if !ok {
			h.logger.Debug().Str("object", op.Data.ObjectType()).Str("peer_id", PeerFromContext(ctx)).Msg("push ignored")
			continue
		}
		if err := h.svc.ApplyCrossState(ctx, state); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
