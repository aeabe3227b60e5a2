// Package changes carries per-item change notifications between writers of the
// backing store and live document watchers over redis pub/sub.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix    = "docsync:changes:"
	subscriptionSize = 16
)

// ErrInvalidTopic indicates a topic with a missing component.
var ErrInvalidTopic = errors.New("changes: invalid topic")

// Topic scopes notifications to one item of one collection.
type Topic struct {
	Tenant     string `json:"tenant"`
	Collection string `json:"collection"`
	ItemID     string `json:"itemId"`
}

// Validate reports whether all components are present.
func (t Topic) Validate() error {
	if strings.TrimSpace(t.Tenant) == "" || strings.TrimSpace(t.Collection) == "" || strings.TrimSpace(t.ItemID) == "" {
		return fmt.Errorf("%w: %s/%s/%s", ErrInvalidTopic, t.Tenant, t.Collection, t.ItemID)
	}
	return nil
}

// Channel returns the redis channel carrying notifications for the topic.
func (t Topic) Channel() string {
	return channelPrefix + t.Tenant + ":" + t.Collection + ":" + t.ItemID
}

// Event announces that fields of an item changed in the backing store.
// An empty Fields list means the whole document may have changed.
type Event struct {
	Topic
	Fields []string  `json:"fields,omitempty"`
	Origin string    `json:"origin,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher announces changes after a successful write.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus publishes and subscribes to item change notifications.
type Bus struct {
	rdb *redis.Client
}

// NewBus connects to redis using a redis:// URL and verifies connectivity.
func NewBus(ctx context.Context, redisURL string) (*Bus, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("changes: parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("changes: connect redis: %w", err)
	}
	return &Bus{rdb: client}, nil
}

// NewBusWithClient wraps an existing redis client.
func NewBusWithClient(client *redis.Client) *Bus {
	return &Bus{rdb: client}
}

// Close closes the redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

// Ping verifies redis connectivity.
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish sends the event to every subscriber of its topic.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if err := event.Topic.Validate(); err != nil {
		return err
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("changes: marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, event.Topic.Channel(), payload).Err(); err != nil {
		return fmt.Errorf("changes: publish: %w", err)
	}
	return nil
}

// Subscription delivers change events for one topic.
// Caller must call Close when done.
type Subscription struct {
	events <-chan Event
	errors <-chan error
	cancel func()
	done   <-chan struct{}
	once   sync.Once
}

// Events returns the channel of matching events. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Errors returns malformed-notification errors. The subscription keeps running
// after reporting one.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and waits for the receive loop to exit.
// Subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Subscribe listens for events on topic whose field paths overlap fields.
// An empty fields list matches every event. The subscription is active on the
// server when Subscribe returns.
func (b *Bus) Subscribe(ctx context.Context, topic Topic, fields []string) (*Subscription, error) {
	if err := topic.Validate(); err != nil {
		return nil, err
	}
	pubsub := b.rdb.Subscribe(ctx, topic.Channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("changes: subscribe: %w", err)
	}

	eventsChan := make(chan Event, subscriptionSize)
	errorsChan := make(chan error, subscriptionSize)
	done := make(chan struct{})
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(done)
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("changes: malformed event on %s: %w", msg.Channel, err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				if !Overlaps(event.Fields, fields) {
					continue
				}

				select {
				case eventsChan <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
		done:   done,
	}, nil
}

// Overlaps reports whether any changed path touches any watched path. A path
// touches another when they are equal or one is a dotted prefix of the other.
// An empty list on either side overlaps everything.
func Overlaps(changed, watched []string) bool {
	if len(changed) == 0 || len(watched) == 0 {
		return true
	}
	for _, left := range changed {
		for _, right := range watched {
			if pathTouches(left, right) {
				return true
			}
		}
	}
	return false
}

func pathTouches(left, right string) bool {
	if left == right {
		return true
	}
	return strings.HasPrefix(left, right+".") || strings.HasPrefix(right, left+".")
}
