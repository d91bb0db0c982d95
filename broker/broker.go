// Package broker fans messages out to every gateway replica subscribed to a
// topic. The engine uses it to deliver cancellations to whichever replica
// is running the affected tool call.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed broker or stream.
var ErrClosed = errors.New("broker: closed")

// Broker publishes messages to topics. Delivery is best effort: a
// subscriber only sees messages published after it subscribed.
type Broker interface {
	// Publish sends data to every current subscriber of topic and returns the
	// message's event ID.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe starts a stream of messages published to topic from now on.
	Subscribe(ctx context.Context, topic string) (MessageStream, error)

	Close() error
}

// MessageStream provides ordered message consumption within a topic.
// Streams are safe for use by a single consumer.
type MessageStream interface {
	// Next blocks until the next message is available or ctx is done. It
	// returns ErrClosed once the stream or its broker is closed.
	Next(ctx context.Context) (MessageEnvelope, error)

	Close() error
}

// MessageEnvelope is one delivered message.
type MessageEnvelope struct {
	// ID increases monotonically within a topic.
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
