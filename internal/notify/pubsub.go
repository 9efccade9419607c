package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PubSub publishes payloads for pubsub://<topic> addresses.
type PubSub struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSub wraps an existing client.
func NewPubSub(client *pubsub.Client) *PubSub {
	return &PubSub{client: client, topics: make(map[string]*pubsub.Topic)}
}

// DialPubSub creates a client using Application Default Credentials unless
// opts say otherwise.
func DialPubSub(ctx context.Context, projectID string, opts ...option.ClientOption) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewPubSub(client), nil
}

// Notify publishes p to the topic named by address and waits for the server ack.
func (p *PubSub) Notify(ctx context.Context, address string, payload Payload) error {
	u, err := url.Parse(address)
	if err != nil || u.Scheme != "pubsub" || u.Host == "" {
		return fmt.Errorf("%w: invalid pubsub address %q", ErrRejected, address)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id": payload.JobID,
			"status": string(payload.Status),
		},
	}
	if _, err := p.topic(u.Host).Publish(ctx, msg).Get(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: topic %s: %w", ErrRejected, u.Host, err)
		}
		return fmt.Errorf("publish to %s: %w", u.Host, err)
	}
	return nil
}

func (p *PubSub) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Close flushes pending publishes and closes the client.
func (p *PubSub) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = make(map[string]*pubsub.Topic)
	p.mu.Unlock()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
