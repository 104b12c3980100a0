package models

import (
	"encoding/json"
	"time"
)

// Object type discriminants.
const (
	ObjUser                  = "SDO_User"
	ObjToken                 = "Token"
	ObjMsgEntity             = "SDO_MsgEntity"
	ObjError                 = "SDO_Error"
	ObjHeartBeat             = "SDO_HeartBeat"
	ObjQuery                 = "TSCCmd"
	ObjSysInfo               = "SysInfo"
	ObjCrossParam            = "CrossParam"
	ObjSignalControllerParam = "SignalControllerParam"
	ObjPlanParam             = "PlanParam"
	ObjCrossCtrlInfo         = "CrossCtrlInfo"
	ObjCrossState            = "CrossState"
	ObjSyncTaskStatus        = "SyncTaskStatus"
	ObjSetResult             = "SetResult"
	ObjList                  = "List"
)

// WildcardObject subscribes to every supported object.
const WildcardObject = "*"

// UserPayload carries login/logout credentials.
type UserPayload struct {
	UserName string `json:"userName"`
	Pwd      string `json:"pwd,omitempty"`
}

func (*UserPayload) ObjectType() string { return ObjUser }

// TokenPayload answers a successful login.
type TokenPayload struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (*TokenPayload) ObjectType() string { return ObjToken }

// MsgEntity describes which messages a peer wants pushed: the message type,
// the operation name and the object name.
type MsgEntity struct {
	MsgType  MessageType   `json:"msgType"`
	OperName OperationName `json:"operName"`
	ObjName  string        `json:"objName"`
}

func (*MsgEntity) ObjectType() string { return ObjMsgEntity }

// ErrorPayload is the data of an ERROR operation.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ObjName string `json:"objName,omitempty"`
}

func (*ErrorPayload) ObjectType() string { return ObjError }

// HeartBeat keeps a session alive.
type HeartBeat struct {
	Time time.Time `json:"time"`
}

func (*HeartBeat) ObjectType() string { return ObjHeartBeat }

// QueryCommand is the generic Get: object name plus optional id and number.
type QueryCommand struct {
	ObjName string `json:"objName"`
	ID      string `json:"id,omitempty"`
	No      int    `json:"no,omitempty"`
}

func (*QueryCommand) ObjectType() string { return ObjQuery }

type SysInfo struct {
	SysName             string   `json:"sysName"`
	SysVersion          string   `json:"sysVersion"`
	Supplier            string   `json:"supplier,omitempty"`
	SignalControllerIDs []string `json:"signalControllerIds"`
}

func (*SysInfo) ObjectType() string { return ObjSysInfo }

type CrossParam struct {
	CrossID            string   `json:"crossId"`
	CrossName          string   `json:"crossName"`
	SignalControllerID string   `json:"signalControllerId"`
	LaneNos            []int    `json:"laneNos,omitempty"`
	Longitude          float64  `json:"longitude,omitempty"`
	Latitude           float64  `json:"latitude,omitempty"`
	Tags               []string `json:"tags,omitempty"`
}

func (*CrossParam) ObjectType() string { return ObjCrossParam }

type SignalControllerParam struct {
	SignalControllerID string   `json:"signalControllerId"`
	Brand              string   `json:"brand"`
	Model              string   `json:"model,omitempty"`
	IP                 string   `json:"ip"`
	Port               int      `json:"port"`
	CrossIDs           []string `json:"crossIds"`
}

func (*SignalControllerParam) ObjectType() string { return ObjSignalControllerParam }

// StageTiming is one stage of a plan.
type StageTiming struct {
	StageNo int `json:"stageNo"`
	Green   int `json:"green"`
	Yellow  int `json:"yellow"`
	AllRed  int `json:"allRed"`
}

type PlanParam struct {
	CrossID  string        `json:"crossId"`
	PlanNo   int           `json:"planNo"`
	PlanName string        `json:"planName,omitempty"`
	CycleLen int           `json:"cycleLen"`
	OffSet   int           `json:"offset"`
	Stages   []StageTiming `json:"stages"`
}

func (*PlanParam) ObjectType() string { return ObjPlanParam }

// Duration returns the sum of the stage timings.
func (p *PlanParam) Duration() int {
	total := 0
	for _, s := range p.Stages {
		total += s.Green + s.Yellow + s.AllRed
	}
	return total
}

// Control modes.
const (
	CtrlModeFixed    = "FIXED"
	CtrlModeActuated = "ACTUATED"
	CtrlModeAdaptive = "ADAPTIVE"
	CtrlModeManual   = "MANUAL"
	CtrlModeFlash    = "FLASH"
	CtrlModeOff      = "OFF"
)

// ValidCtrlMode reports whether mode is a known control mode.
func ValidCtrlMode(mode string) bool {
	switch mode {
	case CtrlModeFixed, CtrlModeActuated, CtrlModeAdaptive, CtrlModeManual, CtrlModeFlash, CtrlModeOff:
		return true
	}
	return false
}

type CrossCtrlInfo struct {
	CrossID  string `json:"crossId"`
	CtrlMode string `json:"ctrlMode"`
	PlanNo   int    `json:"planNo,omitempty"`
}

func (*CrossCtrlInfo) ObjectType() string { return ObjCrossCtrlInfo }

// CrossState is the live state of a cross, pushed by controllers and
// re-pushed to subscribers.
type CrossState struct {
	CrossID   string    `json:"crossId"`
	Online    bool      `json:"online"`
	CtrlMode  string    `json:"ctrlMode"`
	PlanNo    int       `json:"planNo"`
	StageNo   int       `json:"stageNo"`
	Timestamp time.Time `json:"timestamp"`
}

func (*CrossState) ObjectType() string { return ObjCrossState }

// SyncTaskStatus exposes a task over the protocol.
type SyncTaskStatus struct {
	TaskID       string     `json:"taskId"`
	ControllerID string     `json:"controllerId"`
	SyncType     SyncType   `json:"syncType"`
	Status       SyncStatus `json:"status"`
	Progress     int        `json:"progress"`
	Message      string     `json:"message,omitempty"`
}

func (*SyncTaskStatus) ObjectType() string { return ObjSyncTaskStatus }

// SetResult answers a Set that was turned into a sync task.
type SetResult struct {
	ObjName  string `json:"objName"`
	ID       string `json:"id"`
	TaskID   string `json:"taskId"`
	Accepted bool   `json:"accepted"`
}

func (*SetResult) ObjectType() string { return ObjSetResult }

// ListPayload wraps several payloads of one object type, as returned by
// queries without an id.
type ListPayload struct {
	ItemType string    `json:"itemType"`
	Items    []Payload `json:"items"`
}

func (*ListPayload) ObjectType() string { return ObjList }

// RawPayload holds data whose object type the codec does not know.
type RawPayload struct {
	Type string          `json:"-"`
	Raw  json.RawMessage `json:"-"`
}

func (p *RawPayload) ObjectType() string { return p.Type }
