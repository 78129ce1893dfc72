// Package redis fans room updates and presence out across collaboration
// core instances, so a document's room can live on any one instance
// while every instance's sessions stay in sync (spec.md §2's "or
// horizontally shardable by document ID").
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/collabcore/server/internal/models"
)

// PubSub handles Redis pub/sub for multi-instance synchronization.
type PubSub struct {
	client     *redis.Client
	ctx        context.Context
	cancel     context.CancelFunc
	instanceID string
	subs       map[string]*redis.PubSub
	subsMu     sync.RWMutex
	handlers   map[string][]MessageHandler
	handlersMu sync.RWMutex
}

// MessageHandler handles one pub/sub message. Handlers receive their
// own instance's publishes too; callers compare Message.From against
// PubSub.InstanceID to ignore self-originated messages.
type MessageHandler func(channel string, msg *Message)

// Message is the envelope published on every channel.
type Message struct {
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// New connects to redisURL and assigns this process a random instance
// id used to tag outgoing messages, so a handler can skip messages it
// published itself.
func New(ctx context.Context, redisURL string) (*PubSub, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	return &PubSub{
		client:     client,
		ctx:        subCtx,
		cancel:     cancel,
		instanceID: uuid.NewString(),
		subs:       make(map[string]*redis.PubSub),
		handlers:   make(map[string][]MessageHandler),
	}, nil
}

// InstanceID identifies this process among others sharing the same Redis.
func (ps *PubSub) InstanceID() string {
	return ps.instanceID
}

// Close tears down every subscription and the client connection.
func (ps *PubSub) Close() error {
	ps.cancel()

	ps.subsMu.Lock()
	for _, sub := range ps.subs {
		sub.Close()
	}
	ps.subsMu.Unlock()

	return ps.client.Close()
}

// Subscribe registers handler for channel, opening the subscription on
// first use.
func (ps *PubSub) Subscribe(channel string, handler MessageHandler) error {
	ps.subsMu.Lock()
	defer ps.subsMu.Unlock()

	ps.handlersMu.Lock()
	ps.handlers[channel] = append(ps.handlers[channel], handler)
	ps.handlersMu.Unlock()

	if _, exists := ps.subs[channel]; exists {
		return nil
	}

	sub := ps.client.Subscribe(ps.ctx, channel)
	ps.subs[channel] = sub
	go ps.listen(channel, sub)
	return nil
}

// Unsubscribe closes a channel's subscription and drops its handlers.
func (ps *PubSub) Unsubscribe(channel string) error {
	ps.subsMu.Lock()
	defer ps.subsMu.Unlock()

	if sub, exists := ps.subs[channel]; exists {
		sub.Close()
		delete(ps.subs, channel)
	}

	ps.handlersMu.Lock()
	delete(ps.handlers, channel)
	ps.handlersMu.Unlock()
	return nil
}

// Publish marshals payload and publishes it tagged with this instance's id.
func (ps *PubSub) Publish(channel, msgType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := Message{Type: msgType, From: ps.instanceID, Payload: raw}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ps.client.Publish(ps.ctx, channel, data).Err()
}

func (ps *PubSub) listen(channel string, sub *redis.PubSub) {
	ch := sub.Channel()

	for {
		select {
		case <-ps.ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}

			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				continue
			}

			ps.handlersMu.RLock()
			handlers := ps.handlers[channel]
			ps.handlersMu.RUnlock()

			for _, handler := range handlers {
				go handler(channel, &msg)
			}
		}
	}
}

// RoomChannel returns the pub/sub channel name for a document's room.
func RoomChannel(docID models.DocumentId) string {
	return fmt.Sprintf("room:%d", docID)
}

// PresenceChannel returns the pub/sub channel name for a document's presence.
func PresenceChannel(docID models.DocumentId) string {
	return fmt.Sprintf("presence:%d", docID)
}
