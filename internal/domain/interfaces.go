package domain

import (
	"context"
	"time"

	"signalgw/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Codec converts between wire bytes and messages at the transport edge.
type Codec interface {
	Encode(msg *models.Message) ([]byte, error)
	Decode(data []byte) (*models.Message, error)
}

// SessionStore tracks issued tokens.
type SessionStore interface {
	Create(ctx context.Context, session *models.SessionInfo, ttl time.Duration) error
	Validate(ctx context.Context, token string) (bool, error)
	GetSession(ctx context.Context, token string) (*models.SessionInfo, error)
	Heartbeat(ctx context.Context, token string) error
	Remove(ctx context.Context, token string) error
}

// Authenticator checks login credentials.
type Authenticator interface {
	Authenticate(user, password string) bool
}

// Adapter performs device I/O for one controller brand.
type Adapter interface {
	Brand() string
	PushConfig(ctx context.Context, controllerID string, syncType models.SyncType, payload models.Payload) error
	ReadStatus(ctx context.Context, controllerID string) ([]*models.CrossState, error)
}

type AdapterRegistry interface {
	GetAdapter(brand string) (Adapter, bool)
	GetAdapterByControllerID(controllerID string) (Adapter, bool)
}

// Transport delivers an outbound message to a connected peer.
type Transport interface {
	Deliver(ctx context.Context, peerID string, msg *models.Message) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// SyncScheduler is the part of the task scheduler that request handlers use.
type SyncScheduler interface {
	CreateTask(ctx context.Context, req models.SyncRequest) (string, error)
	Enqueue(taskID string) error
	GetStatus(taskID string) (*models.SyncTask, error)
}

// SubscriptionManager turns Subscribe/Unsubscribe operations into push state.
type SubscriptionManager interface {
	HandleSubscribe(peerID string, entity *models.MsgEntity) error
	HandleUnsubscribe(peerID string, entity *models.MsgEntity) error
	GetSupportedObjects() []string
}

// SignalService is the domain facade the protocol handlers call into.
type SignalService interface {
	SysInfo(ctx context.Context) *models.SysInfo
	Query(ctx context.Context, q *models.QueryCommand) (models.Payload, error)
	SetPlan(ctx context.Context, plan *models.PlanParam) (*models.SetResult, error)
	SetCtrlMode(ctx context.Context, info *models.CrossCtrlInfo) (*models.SetResult, error)
	SetControllerParam(ctx context.Context, param *models.SignalControllerParam) (*models.SetResult, error)
	ApplyCrossState(ctx context.Context, state *models.CrossState) error
}

// TelegramService is the part of the Telegram client the operator bot uses.
type TelegramService interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	GetSelf() tgbotapi.User
	StopReceivingUpdates()
}
