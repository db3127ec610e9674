package killswitch

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// PubSubNotifier publishes events to a Google Cloud Pub/Sub topic.
type PubSubNotifier struct {
	topic *pubsub.Topic
}

// NewPubSubNotifier connects to projectID and publishes to topicID. The
// topic must already exist.
func NewPubSubNotifier(ctx context.Context, projectID, topicID string) (*PubSubNotifier, func() error, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	closer := func() error {
		topic.Stop()
		return client.Close()
	}
	return &PubSubNotifier{topic: topic}, closer, nil
}

func (p *PubSubNotifier) Notify(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"type":    string(ev.Type),
			"receipt": ev.Receipt.ReceiptID,
		},
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}
