package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"canvas-chat/internal/keypool"
	"canvas-chat/internal/llm"
	"canvas-chat/internal/models"
)

type behavior struct {
	chunks []llm.Chunk
	err    error
	block  bool
	audio  []byte
}

type fakeProvider struct {
	mu        sync.Mutex
	behaviors map[string]behavior
	calls     []string
	requests  []llm.ChatRequest
	speech    []llm.SpeechRequest
	started   chan struct{}
}

func (p *fakeProvider) dial(apiKey string) llm.API {
	return &fakeAPI{p: p, key: apiKey}
}

type fakeAPI struct {
	p   *fakeProvider
	key string
}

func (a *fakeAPI) CountTokens(ctx context.Context, model string, messages []llm.Message) (int, error) {
	return 100, nil
}

func (a *fakeAPI) StreamChat(ctx context.Context, req llm.ChatRequest, fn func(llm.Chunk) error) error {
	a.p.mu.Lock()
	a.p.calls = append(a.p.calls, a.key)
	a.p.requests = append(a.p.requests, req)
	b := a.p.behaviors[a.key]
	a.p.mu.Unlock()

	for _, c := range b.chunks {
		if err := fn(c); err != nil {
			return err
		}
	}
	if b.block {
		close(a.p.started)
		<-ctx.Done()
		return ctx.Err()
	}
	return b.err
}

func (a *fakeAPI) GenerateSpeech(ctx context.Context, req llm.SpeechRequest) ([]byte, error) {
	a.p.mu.Lock()
	defer a.p.mu.Unlock()
	a.p.speech = append(a.p.speech, req)
	b := a.p.behaviors[a.key]
	return b.audio, b.err
}

func (p *fakeProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func newGenerator(t *testing.T, keys []string, speechKey string, behaviors map[string]behavior) (*Generator, *keypool.Manager, *fakeProvider) {
	t.Helper()
	p := &fakeProvider{behaviors: behaviors, started: make(chan struct{})}
	pool := keypool.NewManager(keypool.Config{GenerationKeys: keys, SpeechKey: speechKey}, p.dial, nil)
	gen := New(pool, Config{Model: "chat-model", SpeechModel: "tts-model", Voice: "alloy", RetryDelay: time.Millisecond})
	return gen, pool, p
}

func text(s string) llm.Chunk { return llm.Chunk{Text: s} }

func TestStreamAccumulatesText(t *testing.T) {
	gen, pool, _ := newGenerator(t, []string{"k0"}, "", map[string]behavior{
		"k0": {chunks: []llm.Chunk{text("Hel"), text("lo"), {Usage: &llm.Usage{TotalTokens: 42}}}},
	})

	var progress []string
	res, err := gen.Stream(context.Background(), Request{Prompt: "hi"}, func(s string) { progress = append(progress, s) })

	require.NoError(t, err)
	require.Equal(t, "Hello", res.Text)
	require.Equal(t, 42, res.Tokens)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, []string{"Hel", "Hello"}, progress)
	require.Equal(t, int64(42), pool.Status().Usage[0])
}

func TestStreamEstimatesTokensWithoutUsage(t *testing.T) {
	gen, _, _ := newGenerator(t, []string{"k0"}, "", map[string]behavior{
		"k0": {chunks: []llm.Chunk{text("abcdefghi")}},
	})

	res, err := gen.Stream(context.Background(), Request{Prompt: "hi"}, func(string) {})

	require.NoError(t, err)
	// 100 counted input tokens + ceil(9/4)
	require.Equal(t, 103, res.Tokens)
}

func TestStreamFailsOverOnRateLimit(t *testing.T) {
	gen, pool, p := newGenerator(t, []string{"k0", "k1", "k2"}, "", map[string]behavior{
		"k0": {chunks: []llm.Chunk{text("partial")}, err: fmt.Errorf("%w: 429", llm.ErrRateLimited)},
		"k1": {chunks: []llm.Chunk{text("fresh answer")}},
	})

	var last string
	res, err := gen.Stream(context.Background(), Request{Prompt: "hi"}, func(s string) { last = s })

	require.NoError(t, err)
	require.Equal(t, "fresh answer", res.Text)
	require.Equal(t, "fresh answer", last)
	require.Equal(t, 1, res.KeyIndex)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, []string{"k0", "k1"}, p.Calls())

	status := pool.Status()
	require.Equal(t, 1, status.CurrentIndex)
	require.Equal(t, []int{0}, status.RateLimited)
}

func TestStreamRetriesTransientErrors(t *testing.T) {
	gen, _, p := newGenerator(t, []string{"k0", "k1"}, "", map[string]behavior{
		"k0": {err: errors.New("connection reset")},
		"k1": {chunks: []llm.Chunk{text("ok")}},
	})

	res, err := gen.Stream(context.Background(), Request{Prompt: "hi"}, func(string) {})

	require.NoError(t, err)
	require.Equal(t, "ok", res.Text)
	require.Equal(t, []string{"k0", "k1"}, p.Calls())
}

func TestStreamAllKeysRateLimited(t *testing.T) {
	limited := behavior{err: fmt.Errorf("%w: 429 - quota", llm.ErrRateLimited)}
	gen, pool, p := newGenerator(t, []string{"k0", "k1", "k2", "k3"}, "", map[string]behavior{
		"k0": limited, "k1": limited, "k2": limited, "k3": limited,
	})

	var last string
	res, err := gen.Stream(context.Background(), Request{Prompt: "hi"}, func(s string) { last = s })

	require.ErrorIs(t, err, ErrKeysExhausted)
	require.Equal(t, 4, res.Attempts)
	require.Equal(t, []string{"k0", "k1", "k2", "k3"}, p.Calls())
	require.Contains(t, res.Text, "All 4 keys failed.")
	require.Contains(t, res.Text, "quota")
	require.Equal(t, res.Text, last)

	status := pool.Status()
	require.Equal(t, 0, status.CurrentIndex)
	require.Equal(t, []int{0, 1, 2, 3}, status.RateLimited)
}

func TestStreamAbortDoesNotFailOver(t *testing.T) {
	gen, pool, p := newGenerator(t, []string{"k0", "k1"}, "", map[string]behavior{
		"k0": {chunks: []llm.Chunk{text("so far")}, block: true},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := gen.Stream(ctx, Request{Prompt: "hi"}, func(string) {})
		errc <- err
	}()

	<-p.started
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	require.Equal(t, []string{"k0"}, p.Calls())
	require.Equal(t, 0, pool.Status().CurrentIndex)
	require.Empty(t, pool.Status().RateLimited)
}

func TestStreamCancelledBeforeStart(t *testing.T) {
	gen, _, p := newGenerator(t, []string{"k0"}, "", map[string]behavior{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gen.Stream(ctx, Request{Prompt: "hi"}, func(string) {})

	require.ErrorIs(t, err, ErrAborted)
	require.Empty(t, p.Calls())
}

func TestStreamWithoutKeys(t *testing.T) {
	gen, _, _ := newGenerator(t, nil, "", nil)

	_, err := gen.Stream(context.Background(), Request{Prompt: "hi"}, func(string) {})

	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorIs(t, err, keypool.ErrNoKeys)
}

func TestStreamSendsInstructionHistoryAndPrompt(t *testing.T) {
	gen, _, p := newGenerator(t, []string{"k0"}, "", map[string]behavior{
		"k0": {chunks: []llm.Chunk{text("ok")}},
	})
	canvas := "<html><body><button>Click</button></body></html>"
	history := []models.Message{
		{Role: models.RoleUser, Text: "make a button"},
		{Role: models.RoleModel, Text: "done"},
	}

	_, err := gen.Stream(context.Background(), Request{
		Prompt:      "rename it",
		Attachments: models.Attachments{{Type: "image", MimeType: "image/jpeg", Data: "BBB"}},
		History:     history,
		CanvasHTML:  canvas,
	}, func(string) {})
	require.NoError(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.Len(t, p.requests, 1)
	msgs := p.requests[0].Messages
	require.Len(t, msgs, 4)
	require.Equal(t, "system", msgs[0].Role)
	require.True(t, strings.Contains(msgs[0].Content, canvas))
	require.Equal(t, "make a button", msgs[1].Content)
	require.Equal(t, "assistant", msgs[2].Role)
	require.Equal(t, "rename it", msgs[3].Content)
	require.Len(t, msgs[3].Images, 1)
	require.Equal(t, "chat-model", p.requests[0].Model)
}

func TestSpeakUsesSpeechKey(t *testing.T) {
	gen, pool, p := newGenerator(t, []string{"k0"}, "voice-key", map[string]behavior{
		"voice-key": {audio: []byte("mp3")},
	})

	audio, err := gen.Speak(context.Background(), "Added a button.\n```html\n<button>x</button>\n```")

	require.NoError(t, err)
	require.Equal(t, base64.StdEncoding.EncodeToString([]byte("mp3")), audio)
	require.Len(t, p.speech, 1)
	require.Equal(t, "Added a button.", p.speech[0].Input)
	require.Equal(t, "alloy", p.speech[0].Voice)
	require.Equal(t, "tts-model", p.speech[0].Model)
	require.Positive(t, pool.Status().Usage[pool.SpeechIndex()])
	require.Equal(t, 0, pool.Status().CurrentIndex)
}

func TestSpeakWithoutSpeechKey(t *testing.T) {
	gen, _, _ := newGenerator(t, []string{"k0"}, "", nil)

	_, err := gen.Speak(context.Background(), "hello")

	require.ErrorIs(t, err, keypool.ErrNoSpeechKey)
}

func TestSpeakSkipsCodeOnlyReplies(t *testing.T) {
	gen, _, p := newGenerator(t, []string{"k0"}, "voice-key", map[string]behavior{})

	audio, err := gen.Speak(context.Background(), "<<<<SEARCH\na\n====\nb\n>>>>")

	require.NoError(t, err)
	require.Empty(t, audio)
	require.Empty(t, p.speech)
}
