// Package statebus moves tab lifecycle events from the host into the
// daemon and settled decisions back out, over kafka.
package statebus

import (
	"context"
	"encoding/json"
	"fmt"

	"contain/pkg/models"
)

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// DecodeTabEvent parses a bus message into a tab event. Unknown event types
// are rejected so a misrouted topic cannot clear tabs.
func DecodeTabEvent(msg Message) (models.TabEvent, error) {
	var ev models.TabEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return models.TabEvent{}, fmt.Errorf("decode tab event: %w", err)
	}
	switch ev.Type {
	case models.TabEventClosed, models.TabEventNavigated:
	default:
		return models.TabEvent{}, fmt.Errorf("unknown tab event type %q", ev.Type)
	}
	if ev.TabID == "" {
		return models.TabEvent{}, fmt.Errorf("tab event missing tab id")
	}
	return ev, nil
}
