// Package publisher defines the outbound message contract used to fan batches
// out to external consumers.
package publisher

import "context"

// Publisher sends one payload to a topic and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
