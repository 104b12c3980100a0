package models

import (
	"time"
)

type SyncStatus string

const (
	SyncCreated   SyncStatus = "CREATED"
	SyncPending   SyncStatus = "PENDING"
	SyncRunning   SyncStatus = "RUNNING"
	SyncCompleted SyncStatus = "COMPLETED"
	SyncFailed    SyncStatus = "FAILED"
	SyncCancelled SyncStatus = "CANCELLED"
	SyncTimeout   SyncStatus = "TIMEOUT"
)

// IsTerminal reports whether no transition may leave s.
func (s SyncStatus) IsTerminal() bool {
	switch s {
	case SyncCompleted, SyncFailed, SyncCancelled, SyncTimeout:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> next.
func (s SyncStatus) CanTransition(next SyncStatus) bool {
	switch s {
	case SyncCreated:
		return next == SyncPending || next == SyncCancelled
	case SyncPending:
		return next == SyncRunning || next == SyncCancelled
	case SyncRunning:
		return next == SyncCompleted || next == SyncFailed || next == SyncTimeout
	}
	return false
}

type SyncType string

const (
	SyncTypeConfig   SyncType = "CONFIG"
	SyncTypePlan     SyncType = "PLAN"
	SyncTypeCtrlMode SyncType = "CTRL_MODE"
	SyncTypeStatus   SyncType = "STATUS"
	SyncTypeTime     SyncType = "TIME"
)

func (t SyncType) Valid() bool {
	switch t {
	case SyncTypeConfig, SyncTypePlan, SyncTypeCtrlMode, SyncTypeStatus, SyncTypeTime:
		return true
	}
	return false
}

const (
	DefaultTaskTimeoutSeconds = 300
	DefaultTaskRetention      = 24 * time.Hour
)

// SyncRequest describes a synchronization job before it becomes a task.
type SyncRequest struct {
	ControllerID   string   `json:"controllerId"`
	SyncType       SyncType `json:"syncType"`
	Payload        Payload  `json:"-"`
	Priority       int      `json:"priority"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	MaxRetryCount  int      `json:"maxRetryCount"`
}

// SyncResult is what a waiter receives once a task is terminal, or a
// synthesized TIMEOUT when the waiter gives up first.
type SyncResult struct {
	TaskID   string        `json:"taskId"`
	Status   SyncStatus    `json:"status"`
	Success  bool          `json:"success"`
	Message  string        `json:"message,omitempty"`
	Data     Payload       `json:"-"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// SyncTask is a snapshot of a task. The scheduler owns the live copy.
type SyncTask struct {
	TaskID         string      `json:"taskId"`
	ControllerID   string      `json:"controllerId"`
	SyncType       SyncType    `json:"syncType"`
	Payload        Payload     `json:"-"`
	PayloadType    string      `json:"payloadType,omitempty"`
	Priority       int         `json:"priority"`
	CreateTime     time.Time   `json:"createTime"`
	StartTime      *time.Time  `json:"startTime,omitempty"`
	EndTime        *time.Time  `json:"endTime,omitempty"`
	TimeoutSeconds int         `json:"timeoutSeconds"`
	MaxRetryCount  int         `json:"maxRetryCount"`
	RetryCount     int         `json:"retryCount"`
	Status         SyncStatus  `json:"status"`
	Progress       int         `json:"progress"`
	Message        string      `json:"message,omitempty"`
	Result         *SyncResult `json:"result,omitempty"`
}

// Timeout returns the task's allotted execution time.
func (t *SyncTask) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return DefaultTaskTimeoutSeconds * time.Second
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// StatusPayload converts the snapshot to its protocol form.
func (t *SyncTask) StatusPayload() *SyncTaskStatus {
	return &SyncTaskStatus{
		TaskID:       t.TaskID,
		ControllerID: t.ControllerID,
		SyncType:     t.SyncType,
		Status:       t.Status,
		Progress:     t.Progress,
		Message:      t.Message,
	}
}

// SyncStats summarizes the scheduler.
type SyncStats struct {
	Total      int  `json:"total"`
	Created    int  `json:"created"`
	Pending    int  `json:"pending"`
	Running    int  `json:"running"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	Cancelled  int  `json:"cancelled"`
	TimedOut   int  `json:"timedOut"`
	QueueDepth int  `json:"queueDepth"`
	Workers    int  `json:"workers"`
	Paused     bool `json:"paused"`
}
