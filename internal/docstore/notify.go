package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "docs:"

type wireEvent struct {
	Type EventType      `json:"type"`
	Path string         `json:"path"`
	Data map[string]any `json:"data,omitempty"`
}

// Notifier fans committed document changes out to collection subscribers.
// Changes travel through Redis pub/sub so every API instance sees writes
// made by any of them.
type Notifier struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu     sync.Mutex
	subs   map[string]map[int]func(Event)
	nextID int
}

func NewNotifier(redisURL string) (*Notifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	pubsub := client.PSubscribe(context.Background(), channelPrefix+"*")
	// Redis pub/sub has no replay; events published before the server
	// confirms the subscription are lost. Block until it is established.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("subscribe to change feed: %w", err)
	}

	n := &Notifier{
		client: client,
		pubsub: pubsub,
		subs:   make(map[string]map[int]func(Event)),
	}
	go n.run()
	return n, nil
}

func (n *Notifier) run() {
	for msg := range n.pubsub.Channel() {
		collection := msg.Channel[len(channelPrefix):]

		var wire wireEvent
		if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
			log.Printf("docstore: drop malformed change event on %s: %v", collection, err)
			continue
		}
		event := Event{
			Type: wire.Type,
			Doc:  Document{Path: wire.Path, ID: LastSegment(wire.Path), Data: wire.Data},
		}

		n.mu.Lock()
		listeners := make([]func(Event), 0, len(n.subs[collection]))
		for _, fn := range n.subs[collection] {
			listeners = append(listeners, fn)
		}
		n.mu.Unlock()

		for _, fn := range listeners {
			fn(event)
		}
	}
}

// Publish announces committed events. Failures are logged, not returned:
// the batch already committed and listeners recover on their next query.
func (n *Notifier) Publish(ctx context.Context, events []Event) {
	for _, event := range events {
		payload, err := json.Marshal(wireEvent{Type: event.Type, Path: event.Doc.Path, Data: event.Doc.Data})
		if err != nil {
			log.Printf("docstore: encode change event %s: %v", event.Doc.Path, err)
			continue
		}
		channel := channelPrefix + ParentOf(event.Doc.Path)
		if err := n.client.Publish(ctx, channel, payload).Err(); err != nil {
			log.Printf("docstore: publish change event %s: %v", event.Doc.Path, err)
		}
	}
}

// Subscribe registers fn for every change under the collection path and
// returns the disposer that removes it.
func (n *Notifier) Subscribe(collection string, fn func(Event)) Disposer {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.subs[collection] == nil {
		n.subs[collection] = make(map[int]func(Event))
	}
	id := n.nextID
	n.nextID++
	n.subs[collection][id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[collection], id)
		if len(n.subs[collection]) == 0 {
			delete(n.subs, collection)
		}
	}
}

func (n *Notifier) Close() error {
	_ = n.pubsub.Close()
	return n.client.Close()
}
