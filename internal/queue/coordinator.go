// Package queue runs the per-group generation queue. Every open connection
// of a group member drives a Coordinator; the coordinators of all replicas
// cooperate through the processing lock stored on the group document.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"canvas-chat/internal/extract"
	"canvas-chat/internal/genai"
	"canvas-chat/internal/models"
	"canvas-chat/internal/observability"
	"canvas-chat/internal/store"
)

const (
	ModelSenderID   = "model"
	ModelSenderName = "AI"

	stoppedMarker     = "[Stopped]"
	interruptedMarker = "[Error: generation interrupted]"

	cleanupTimeout = 10 * time.Second
	speechTimeout  = time.Minute
)

// State is the coordinator's view of the group's generation lock.
type State int32

const (
	// Idle: this coordinator drives no generation.
	Idle State = iota
	// Claimed: this coordinator holds the lock and is streaming.
	Claimed
	// Draining: the stream was cancelled and cleanup is pending.
	Draining
)

func (s State) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Draining:
		return "draining"
	default:
		return "idle"
	}
}

// Generator produces the model's reply for one prompt.
type Generator interface {
	Stream(ctx context.Context, req genai.Request, onProgress func(text string)) (genai.Result, error)
	Speak(ctx context.Context, text string) (string, error)
}

// Config holds the queue timings.
type Config struct {
	CanvasFlushInterval  time.Duration
	MessageFlushInterval time.Duration
	StaleLockTimeout     time.Duration
	LockRefreshInterval  time.Duration
	Now                  func() time.Time
}

func (c Config) withDefaults() Config {
	if c.CanvasFlushInterval <= 0 {
		c.CanvasFlushInterval = 800 * time.Millisecond
	}
	if c.MessageFlushInterval <= 0 {
		c.MessageFlushInterval = 150 * time.Millisecond
	}
	if c.StaleLockTimeout <= 0 {
		c.StaleLockTimeout = 10 * time.Minute
	}
	if c.LockRefreshInterval <= 0 {
		c.LockRefreshInterval = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// ReplyID is the id of the model message answering messageID. It is derived
// so any replica can find the reply of an orphaned lock.
func ReplyID(messageID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("canvas-chat/reply/"+messageID)).String()
}

type claim struct {
	messageID string
	cancel    context.CancelFunc
	started   time.Time
	releasing atomic.Bool
}

type outcome struct {
	messageID string
	result    string
}

// Coordinator drives generations for the queued prompts of one sender in one
// group.
type Coordinator struct {
	groupID string
	uid     string
	store   store.Store
	gen     Generator
	cfg     Config
	tracer  trace.Tracer

	mu           sync.Mutex
	group        models.Group
	haveGroup    bool
	messages     []models.Message
	haveMessages bool

	wake     chan struct{}
	abort    chan struct{}
	finished chan outcome

	state     atomic.Int32
	active    *claim
	lastTouch time.Time
	speech    sync.WaitGroup
}

// NewCoordinator builds a coordinator for uid in groupID.
func NewCoordinator(groupID, uid string, st store.Store, gen Generator, cfg Config) *Coordinator {
	return &Coordinator{
		groupID:  groupID,
		uid:      uid,
		store:    st,
		gen:      gen,
		cfg:      cfg.withDefaults(),
		tracer:   otel.Tracer("canvas-chat/queue"),
		wake:     make(chan struct{}, 1),
		abort:    make(chan struct{}, 1),
		finished: make(chan outcome, 1),
	}
}

// State reports the current lock state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Abort cancels the running generation, if any.
func (c *Coordinator) Abort() {
	select {
	case c.abort <- struct{}{}:
	default:
	}
}

// Run follows the group until ctx is done. A generation still running when
// ctx ends is cancelled and cleaned up before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	unsubGroup, err := c.store.SubscribeGroup(ctx, c.groupID, func(g models.Group) {
		c.mu.Lock()
		c.group, c.haveGroup = g, true
		c.mu.Unlock()
		c.signal()
	})
	if err != nil {
		return fmt.Errorf("subscribe group: %w", err)
	}
	defer unsubGroup()

	unsubMessages, err := c.store.SubscribeMessages(ctx, c.groupID, func(msgs []models.Message) {
		c.mu.Lock()
		c.messages, c.haveMessages = msgs, true
		c.mu.Unlock()
		c.signal()
	})
	if err != nil {
		return fmt.Errorf("subscribe messages: %w", err)
	}
	defer unsubMessages()

	ticker := time.NewTicker(c.cfg.LockRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case <-c.wake:
			c.step(ctx)
		case <-ticker.C:
			c.refreshLock(ctx)
			c.step(ctx)
		case <-c.abort:
			c.drain("abort requested")
		case done := <-c.finished:
			log.Printf("queue group=%s uid=%s message=%s finished: %s", c.groupID, c.uid, done.messageID, done.result)
			c.active = nil
			c.state.Store(int32(Idle))
			c.step(ctx)
		}
	}
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) snapshot() (models.Group, []models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]models.Message, len(c.messages))
	copy(msgs, c.messages)
	return c.group, msgs, c.haveGroup && c.haveMessages
}

func (c *Coordinator) step(ctx context.Context) {
	group, msgs, ok := c.snapshot()
	if !ok {
		return
	}

	if c.active != nil {
		c.checkDesync(ctx, group)
		return
	}

	if group.Processing() != "" {
		c.recoverStaleLock(ctx, group)
		return
	}

	head, found := store.QueueHead(msgs)
	if !found || head.SenderID != c.uid {
		return
	}
	c.claim(ctx, head, msgs)
}

// checkDesync drops the local generation when the store no longer shows our
// lock. A snapshot taken before our claim landed can still show the lock
// free, so the group is read back before cancelling.
func (c *Coordinator) checkDesync(ctx context.Context, group models.Group) {
	cl := c.active
	if c.State() != Claimed || cl.releasing.Load() || group.Processing() == cl.messageID {
		return
	}

	fresh, err := c.store.GetGroup(ctx, c.groupID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("queue group=%s desync check failed: %v", c.groupID, err)
		return
	}
	if err == nil && fresh.Processing() == cl.messageID {
		return
	}
	if cl.releasing.Load() {
		return
	}
	_ = observability.PublishGenerationEvent(ctx, observability.EventGenerationDesync, observability.GenerationEvent{
		GroupID: c.groupID, MessageID: cl.messageID, UserID: c.uid,
	})
	c.drain(fmt.Sprintf("lock moved to %q", fresh.Processing()))
}

func (c *Coordinator) drain(reason string) {
	if c.active == nil || c.State() != Claimed {
		return
	}
	log.Printf("queue group=%s uid=%s message=%s draining: %s", c.groupID, c.uid, c.active.messageID, reason)
	c.state.Store(int32(Draining))
	c.active.cancel()
}

func (c *Coordinator) shutdown() {
	if c.active != nil {
		c.drain("coordinator detached")
		done := <-c.finished
		log.Printf("queue group=%s uid=%s message=%s finished on detach: %s", c.groupID, c.uid, done.messageID, done.result)
		c.active = nil
		c.state.Store(int32(Idle))
	}
	c.speech.Wait()
}

func (c *Coordinator) refreshLock(ctx context.Context) {
	if c.active == nil || c.State() != Claimed {
		return
	}
	now := c.cfg.Now()
	if now.Sub(c.lastTouch) < c.cfg.LockRefreshInterval {
		return
	}
	if err := c.store.TouchLock(ctx, c.groupID, c.active.messageID, now); err != nil {
		log.Printf("queue group=%s lock refresh failed: %v", c.groupID, err)
		return
	}
	c.lastTouch = now
}

// recoverStaleLock releases a lock whose holder stopped refreshing it and
// finalizes the orphaned prompt and reply.
func (c *Coordinator) recoverStaleLock(ctx context.Context, group models.Group) {
	if group.LockedAt == nil || c.cfg.Now().Sub(*group.LockedAt) < c.cfg.StaleLockTimeout {
		return
	}
	fresh, err := c.store.GetGroup(ctx, c.groupID)
	if err != nil || fresh.Processing() == "" || fresh.LockedAt == nil || c.cfg.Now().Sub(*fresh.LockedAt) < c.cfg.StaleLockTimeout {
		return
	}
	group = fresh
	messageID := group.Processing()
	released, err := c.store.ReleaseProcessing(ctx, c.groupID, messageID)
	if err != nil {
		log.Printf("queue group=%s stale lock release failed: %v", c.groupID, err)
		return
	}
	if !released {
		return
	}
	observability.IncStaleLockRecovered()
	log.Printf("queue group=%s released stale lock message=%s locked_at=%s", c.groupID, messageID, group.LockedAt.Format(time.RFC3339))

	done := models.StatusDone
	loading := false
	if reply, err := c.store.GetMessage(ctx, c.groupID, ReplyID(messageID)); err == nil && reply.IsLoading {
		text := annotate(reply.Text, interruptedMarker)
		if err := c.store.UpdateMessage(ctx, c.groupID, reply.ID, store.MessagePatch{Text: &text, Status: &done, IsLoading: &loading}); err != nil {
			log.Printf("queue group=%s finalize orphaned reply failed: %v", c.groupID, err)
		}
	}
	if err := c.store.UpdateMessage(ctx, c.groupID, messageID, store.MessagePatch{Status: &done}); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("queue group=%s finalize orphaned prompt failed: %v", c.groupID, err)
	}
}

func (c *Coordinator) claim(ctx context.Context, head models.Message, msgs []models.Message) {
	now := c.cfg.Now()
	ok, err := c.store.ClaimProcessing(ctx, c.groupID, head.ID, c.uid, now)
	if err != nil {
		observability.IncQueueClaim("error")
		log.Printf("queue group=%s claim message=%s failed: %v", c.groupID, head.ID, err)
		return
	}
	if !ok {
		observability.IncQueueClaim("lost")
		return
	}

	// The snapshot may predate another connection of the same sender
	// finishing this prompt; only a prompt that is still queued is run.
	current, err := c.store.GetMessage(ctx, c.groupID, head.ID)
	if err != nil || !current.IsQueued() {
		observability.IncQueueClaim("stale")
		if _, relErr := c.store.ReleaseProcessing(ctx, c.groupID, head.ID); relErr != nil {
			log.Printf("queue group=%s release stale claim message=%s failed: %v", c.groupID, head.ID, relErr)
		}
		return
	}
	head = current
	observability.IncQueueClaim("won")

	genCtx, cancel := context.WithCancel(ctx)
	cl := &claim{messageID: head.ID, cancel: cancel, started: now}
	c.active = cl
	c.lastTouch = now
	c.state.Store(int32(Claimed))
	log.Printf("queue group=%s uid=%s claimed message=%s", c.groupID, c.uid, head.ID)

	go func() {
		result := c.generate(genCtx, cl, head, history(msgs, head))
		cancel()
		c.finished <- outcome{messageID: head.ID, result: result}
	}()
}

// generate runs one claimed prompt to completion and releases the lock. It
// returns the outcome label.
func (c *Coordinator) generate(ctx context.Context, cl *claim, head models.Message, past []models.Message) string {
	ctx, span := c.tracer.Start(ctx, "queue.generate", trace.WithAttributes(
		attribute.String("group.id", c.groupID),
		attribute.String("message.id", head.ID),
	))
	defer span.End()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancelCleanup()

	_ = observability.PublishGenerationEvent(ctx, observability.EventGenerationStarted, observability.GenerationEvent{
		GroupID: c.groupID, MessageID: head.ID, UserID: c.uid,
	})

	p := &progress{
		c:       c,
		ctx:     ctx,
		replyID: ReplyID(head.ID),
		message: NewThrottle(c.cfg.MessageFlushInterval),
		canvas:  NewThrottle(c.cfg.CanvasFlushInterval),
	}

	var res genai.Result
	err := c.start(ctx, head, p)
	if err == nil {
		res, err = c.gen.Stream(ctx, genai.Request{
			Prompt:      head.Text,
			Attachments: head.Attachments,
			History:     past,
			CanvasHTML:  p.base,
		}, p.update)
	}

	label, text := "done", res.Text
	switch {
	case err == nil:
	case errors.Is(err, genai.ErrAborted) || ctx.Err() != nil:
		label, text = "stopped", annotate(p.latest(), stoppedMarker)
	case errors.Is(err, genai.ErrKeysExhausted):
		label = "error"
	default:
		label, text = "error", annotate(p.latest(), fmt.Sprintf("[Error: %v]", err))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
	}

	p.finish(cleanupCtx, text)
	c.finishPrompt(cleanupCtx, head.ID)

	cl.releasing.Store(true)
	released, relErr := c.store.ReleaseProcessing(cleanupCtx, c.groupID, head.ID)
	switch {
	case relErr != nil:
		log.Printf("queue group=%s release message=%s failed: %v", c.groupID, head.ID, relErr)
	case !released:
		log.Printf("queue group=%s release message=%s: lock already moved", c.groupID, head.ID)
	}

	elapsed := c.cfg.Now().Sub(cl.started)
	observability.ObserveGeneration(label, elapsed)
	_ = observability.PublishGenerationEvent(cleanupCtx, observability.EventGenerationFinished, observability.GenerationEvent{
		GroupID: c.groupID, MessageID: head.ID, UserID: c.uid,
		Outcome: label, KeyIndex: res.KeyIndex, Tokens: res.Tokens, ElapsedMS: elapsed.Milliseconds(),
	})

	if err == nil && p.created {
		c.speak(p.replyID, text)
	}
	return label
}

// start marks the prompt as generating, creates the loading reply and reads
// the canvas the reply will edit.
func (c *Coordinator) start(ctx context.Context, head models.Message, p *progress) error {
	generating := models.StatusGenerating
	if err := c.store.UpdateMessage(ctx, c.groupID, head.ID, store.MessagePatch{Status: &generating}); err != nil {
		return fmt.Errorf("mark generating: %w", err)
	}

	ts := c.cfg.Now()
	if !ts.After(head.Timestamp) {
		ts = head.Timestamp.Add(time.Millisecond)
	}
	_, err := c.store.CreateMessage(ctx, models.Message{
		ID:         p.replyID,
		GroupID:    c.groupID,
		SenderID:   ModelSenderID,
		SenderName: ModelSenderName,
		Role:       models.RoleModel,
		Status:     models.StatusGenerating,
		IsLoading:  true,
		Timestamp:  ts,
	})
	if err != nil {
		return fmt.Errorf("create reply: %w", err)
	}
	p.created = true

	canvas, err := c.store.GetCanvas(ctx, c.groupID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("read canvas: %w", err)
	}
	p.base = canvas.HTML
	p.flushedHTML = canvas.HTML
	return nil
}

func (c *Coordinator) finishPrompt(ctx context.Context, messageID string) {
	done := models.StatusDone
	if err := c.store.UpdateMessage(ctx, c.groupID, messageID, store.MessagePatch{Status: &done}); err != nil {
		log.Printf("queue group=%s finalize prompt=%s failed: %v", c.groupID, messageID, err)
	}
}

func (c *Coordinator) speak(replyID, text string) {
	c.speech.Add(1)
	go func() {
		defer c.speech.Done()
		ctx, cancel := context.WithTimeout(context.Background(), speechTimeout)
		defer cancel()

		audio, err := c.gen.Speak(ctx, text)
		if err != nil {
			log.Printf("queue group=%s speech for %s failed: %v", c.groupID, replyID, err)
			return
		}
		if audio == "" {
			return
		}
		if err := c.store.UpdateMessage(ctx, c.groupID, replyID, store.MessagePatch{AudioData: &audio}); err != nil {
			log.Printf("queue group=%s store speech for %s failed: %v", c.groupID, replyID, err)
		}
	}()
}

// progress writes streamed text to the reply and the canvas.
type progress struct {
	c       *Coordinator
	ctx     context.Context
	replyID string
	created bool

	base        string
	flushedHTML string
	flushedText string

	mu      sync.Mutex
	text    string
	message *Throttle
	canvas  *Throttle
}

func (p *progress) latest() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text
}

func (p *progress) update(text string) {
	p.mu.Lock()
	p.text = text
	p.mu.Unlock()

	if p.ctx.Err() != nil {
		return
	}
	now := p.c.cfg.Now()
	if p.message.ShouldFlush(now) {
		p.message.MarkFlushed(now)
		p.writeText(p.ctx, text, nil)
	}
	if res := extract.Extract(text, p.base); res.Changed() && res.HTML != p.flushedHTML && p.canvas.ShouldFlush(now) {
		p.canvas.MarkFlushed(now)
		p.writeCanvas(p.ctx, res.HTML)
	}
}

// finish performs the final flush of text and canvas and marks the reply done.
func (p *progress) finish(ctx context.Context, text string) {
	if !p.created {
		return
	}
	res := extract.Extract(p.latest(), p.base)
	for _, op := range res.Skipped {
		log.Printf("queue group=%s skipped patch: search text not found (%d bytes)", p.c.groupID, len(op.Search))
	}
	if res.Changed() && res.HTML != p.flushedHTML {
		p.writeCanvas(ctx, res.HTML)
	}
	done := models.StatusDone
	p.writeText(ctx, text, &done)
}

func (p *progress) writeText(ctx context.Context, text string, status *models.Status) {
	patch := store.MessagePatch{Text: &text}
	if status != nil {
		loading := false
		patch.Status = status
		patch.IsLoading = &loading
	} else if text == p.flushedText {
		return
	}
	if err := p.c.store.UpdateMessage(ctx, p.c.groupID, p.replyID, patch); err != nil {
		log.Printf("queue group=%s reply flush failed: %v", p.c.groupID, err)
		return
	}
	p.flushedText = text
	observability.IncStoreFlush("message")
}

func (p *progress) writeCanvas(ctx context.Context, html string) {
	if err := p.c.store.SetCanvas(ctx, p.c.groupID, store.CanvasPatch{HTML: &html}); err != nil {
		log.Printf("queue group=%s canvas flush failed: %v", p.c.groupID, err)
		return
	}
	p.flushedHTML = html
	observability.IncStoreFlush("canvas")
}

// history returns the finished conversation that precedes head.
func history(msgs []models.Message, head models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == head.ID || !m.Timestamp.Before(head.Timestamp) {
			continue
		}
		if m.IsLoading || m.Status == models.StatusQueued || m.Status == models.StatusGenerating {
			continue
		}
		out = append(out, m)
	}
	return out
}

func annotate(text, marker string) string {
	if text == "" {
		return marker
	}
	return text + "\n\n" + marker
}
