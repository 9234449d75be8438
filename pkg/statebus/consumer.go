// Package statebus exports validator events (epochs, scores, ballots) to a
// message bus and reads them back for operators.
package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type Message struct {
	Key   string
	Value []byte
	Time  time.Time
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// PublishJSON marshals v and publishes it under key.
func PublishJSON(ctx context.Context, p Publisher, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return p.Publish(ctx, key, raw)
}
