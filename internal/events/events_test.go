package events

import (
	"errors"
	"testing"

	"signalgw/internal/models"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventCrossStateChanged, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	state := models.CrossState{CrossID: "C1", Online: true, CtrlMode: models.CtrlModeFixed}
	if err := bus.PublishJSON(EventCrossStateChanged, state); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != EventCrossStateChanged {
		t.Errorf("expected type %s, got %s", EventCrossStateChanged, received.Type)
	}

	var decoded models.CrossState
	if err := received.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.CrossID != "C1" || !decoded.Online {
		t.Errorf("unexpected decoded state: %+v", decoded)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	bus.Subscribe("event", func(_ *Event) error { count1++; return nil })
	bus.Subscribe("event", func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: "event"})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusHandlerError(t *testing.T) {
	bus := NewEventBus()
	var reported error
	bus.OnError(func(_ *Event, err error) { reported = err })

	var secondCalled bool
	bus.Subscribe("event", func(_ *Event) error { return errors.New("boom") })
	bus.Subscribe("event", func(_ *Event) error { secondCalled = true; return nil })

	bus.Publish(&Event{Type: "event"})

	if reported == nil || reported.Error() != "boom" {
		t.Errorf("expected handler error to be reported, got %v", reported)
	}
	if !secondCalled {
		t.Errorf("expected later handlers to run after a failure")
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	bus.Publish(&Event{Type: "unknown"})
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("nil bus PublishJSON failed: %v", err)
	}
}

func TestNewJSONEvent(t *testing.T) {
	payload := TaskEventPayload{TaskID: "t-1", Status: models.SyncCompleted}
	event, err := NewJSONEvent(EventSyncTaskFinished, payload)
	if err != nil {
		t.Fatalf("NewJSONEvent failed: %v", err)
	}

	if event.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	var decoded TaskEventPayload
	if err := event.Decode(&decoded); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded.TaskID != "t-1" || decoded.Status != models.SyncCompleted {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}
