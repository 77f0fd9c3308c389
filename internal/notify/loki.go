package notify

import (
	"context"
	"encoding/json"

	"docgate/internal/notify/loki"
)

// LokiBroadcaster pushes each event as one JSON log line to Loki. Used when no Kafka broker
// sits between the server and Loki.
type LokiBroadcaster struct {
	client *loki.Client
}

// NewLokiBroadcaster returns a broadcaster for the Loki instance at baseURL, or nil when empty.
func NewLokiBroadcaster(baseURL string) *LokiBroadcaster {
	if baseURL == "" {
		return nil
	}
	return &LokiBroadcaster{client: loki.NewClient(baseURL, nil)}
}

func (l *LokiBroadcaster) Broadcast(ctx context.Context, e Event) error {
	if l == nil {
		return nil
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return l.client.Push(ctx, e.Timestamp, string(line), map[string]string{"event_type": e.Type})
}
