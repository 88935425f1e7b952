package queue

import (
	"context"
	"log"
	"sync"

	"canvas-chat/internal/store"
)

type coordinatorKey struct {
	groupID string
	uid     string
}

type attachment struct {
	coord  *Coordinator
	cancel context.CancelFunc
	refs   int
}

// Supervisor keeps one Coordinator per (group, sender) alive while that
// sender has at least one open connection on this replica.
type Supervisor struct {
	store store.Store
	gen   Generator
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[coordinatorKey]*attachment
	wg     sync.WaitGroup
}

func NewSupervisor(st store.Store, gen Generator, cfg Config) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:  st,
		gen:    gen,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[coordinatorKey]*attachment),
	}
}

// Attach starts or joins the coordinator for uid in groupID. The returned
// detach func must be called once when the connection closes.
func (s *Supervisor) Attach(groupID, uid string) (detach func()) {
	key := coordinatorKey{groupID: groupID, uid: uid}

	s.mu.Lock()
	a, ok := s.active[key]
	if !ok {
		ctx, cancel := context.WithCancel(s.ctx)
		a = &attachment{
			coord:  NewCoordinator(groupID, uid, s.store, s.gen, s.cfg),
			cancel: cancel,
		}
		s.active[key] = a
		s.wg.Add(1)
		go func(a *attachment) {
			defer s.wg.Done()
			if err := a.coord.Run(ctx); err != nil {
				log.Printf("queue coordinator group=%s uid=%s stopped: %v", groupID, uid, err)
			}
		}(a)
	}
	a.refs++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.release(key, a) })
	}
}

func (s *Supervisor) release(key coordinatorKey, a *attachment) {
	s.mu.Lock()
	a.refs--
	last := a.refs == 0
	if last && s.active[key] == a {
		delete(s.active, key)
	}
	s.mu.Unlock()

	if last {
		a.cancel()
	}
}

// Stop cancels every local generation running in groupID.
func (s *Supervisor) Stop(groupID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, a := range s.active {
		if key.groupID == groupID {
			a.coord.Abort()
			n++
		}
	}
	return n
}

// Coordinator returns the running coordinator for uid in groupID, if any.
func (s *Supervisor) Coordinator(groupID, uid string) (*Coordinator, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[coordinatorKey{groupID: groupID, uid: uid}]
	if !ok {
		return nil, false
	}
	return a.coord, true
}

// Close cancels all coordinators and waits for their cleanup.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}
