package presence

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Envelope is a decoded cross-node fan-out message: the session it belongs
// to and the raw server→client envelope bytes to deliver locally with no
// exclusion.
type Envelope struct {
	SessionID string
	Payload   []byte
}

// Subscriber owns the dedicated pub/sub connection required by §5: this
// connection is never shared with the command connection in Store.
type Subscriber struct {
	client *redis.Client
	pubsub *redis.PubSub
}

// NewSubscriber wraps client, which the caller opens separately from the
// Store's command client, so pub/sub traffic never contends with command
// traffic or blocks behind a slow command. No connection is made until
// Connect.
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Connect subscribes to the cross-node channel pattern. Call once per
// Subscriber; reconnection after a drop is the caller's (supervisor's)
// responsibility — it should call Close then Connect again.
func (s *Subscriber) Connect(ctx context.Context) error {
	s.pubsub = s.client.PSubscribe(ctx, ChannelPattern)
	// Receive forces the subscribe confirmation so connection failures
	// surface immediately rather than on first message.
	if _, err := s.pubsub.Receive(ctx); err != nil {
		return err
	}
	return nil
}

// Envelopes returns a channel of decoded cross-node envelopes. The channel
// closes when the underlying pub/sub connection closes.
func (s *Subscriber) Envelopes() <-chan Envelope {
	out := make(chan Envelope)
	go func() {
		defer close(out)
		ch := s.pubsub.Channel()
		for msg := range ch {
			sessionID, ok := sessionIDFromChannel(msg.Channel)
			if !ok {
				continue
			}
			out <- Envelope{SessionID: sessionID, Payload: []byte(msg.Payload)}
		}
	}()
	return out
}

// Close tears down the pub/sub connection.
func (s *Subscriber) Close() error {
	if s.pubsub == nil {
		return nil
	}
	return s.pubsub.Close()
}
