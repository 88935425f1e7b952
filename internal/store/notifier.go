package store

import (
	"context"
	"log"
	"sync"
)

// Notifier carries "document changed" signals between writers and
// subscribers. Payloads are not transported; subscribers reload the document.
type Notifier interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string) (<-chan struct{}, Unsubscribe, error)
}

// Topic names for the documents of a group.
func GroupTopic(groupID string) string    { return "group:" + groupID }
func MessagesTopic(groupID string) string { return "messages:" + groupID }
func CanvasTopic(groupID string) string   { return "canvas:" + groupID }

// LocalNotifier is an in-process Notifier.
type LocalNotifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

// NewLocalNotifier creates an empty notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[int]chan struct{})}
}

// Publish signals every subscriber of topic. Signals coalesce.
func (n *LocalNotifier) Publish(_ context.Context, topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[topic] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe registers a signal channel for topic.
func (n *LocalNotifier) Subscribe(_ context.Context, topic string) (<-chan struct{}, Unsubscribe, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	if _, ok := n.subs[topic]; !ok {
		n.subs[topic] = make(map[int]chan struct{})
	}
	ch := make(chan struct{}, 1)
	n.subs[topic][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if subs, ok := n.subs[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(n.subs, topic)
				}
			}
		})
	}, nil
}

// Follow delivers load's result to fn once immediately and again after every
// signal on topic, until ctx is done or the returned Unsubscribe is called.
// Deliveries for one subscription never overlap.
func Follow[T any](ctx context.Context, n Notifier, topic string, load func(context.Context) (T, error), fn func(T)) (Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	signals, unsubscribe, err := n.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		return nil, err
	}

	first, err := load(ctx)
	if err != nil {
		unsubscribe()
		cancel()
		return nil, err
	}

	go func() {
		defer unsubscribe()
		fn(first)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signals:
				if !ok {
					return
				}
				doc, err := load(ctx)
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("store follow %s: reload failed: %v", topic, err)
					}
					continue
				}
				if ctx.Err() != nil {
					return
				}
				fn(doc)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
	}, nil
}
