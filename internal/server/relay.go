package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultRelayChannel = "workspace:document-changes"

type relayEnvelope struct {
	Origin  string        `json:"origin"`
	Message ChangeMessage `json:"message"`
}

// RedisRelay shares change messages between API replicas over Redis pub/sub.
type RedisRelay struct {
	client     *redis.Client
	channel    string
	origin     string
	dispatcher *ChangeDispatcher
	logger     *zap.Logger
}

// NewRedisRelay attaches a relay to dispatcher. Call Run to start receiving.
func NewRedisRelay(client *redis.Client, dispatcher *ChangeDispatcher, logger *zap.Logger) (*RedisRelay, error) {
	if client == nil || dispatcher == nil {
		return nil, errors.New("redis relay requires a client and a dispatcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	relay := &RedisRelay{
		client:     client,
		channel:    defaultRelayChannel,
		origin:     uuid.NewString(),
		dispatcher: dispatcher,
		logger:     logger,
	}
	dispatcher.setForwarder(relay.forward)
	return relay, nil
}

func (r *RedisRelay) forward(message ChangeMessage) {
	payload, err := json.Marshal(relayEnvelope{Origin: r.origin, Message: message})
	if err != nil {
		r.logger.Warn("encode relay message failed", zap.Error(err))
		return
	}
	if err := r.client.Publish(context.Background(), r.channel, payload).Err(); err != nil {
		r.logger.Warn("publish relay message failed", zap.Error(err), zap.String("document_id", message.DocumentID))
	}
}

// Run delivers messages from other replicas to local watchers until ctx ends.
// ready, when non-nil, is closed once the subscription is active.
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	subscription := r.client.Subscribe(ctx, r.channel)
	defer subscription.Close()
	if _, err := subscription.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	messages := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case incoming, ok := <-messages:
			if !ok {
				return nil
			}
			var envelope relayEnvelope
			if err := json.Unmarshal([]byte(incoming.Payload), &envelope); err != nil {
				r.logger.Warn("decode relay message failed", zap.Error(err))
				continue
			}
			if envelope.Origin == r.origin {
				continue
			}
			r.dispatcher.Publish(envelope.Message)
		}
	}
}
