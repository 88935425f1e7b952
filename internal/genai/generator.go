// Package genai drives one generation against the key pool: history
// compaction, the canvas-aware system instruction, token accounting and
// bounded failover across generation keys.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"canvas-chat/internal/extract"
	"canvas-chat/internal/keypool"
	"canvas-chat/internal/llm"
	"canvas-chat/internal/models"
	"canvas-chat/internal/observability"
)

var (
	ErrAborted       = errors.New("generation aborted")
	ErrRateLimited   = errors.New("rate limited")
	ErrTransient     = errors.New("transient upstream error")
	ErrKeysExhausted = errors.New("all keys failed")
	ErrConfiguration = errors.New("configuration error")
)

const maxSpeechChars = 4000

// Pool is the part of the key pool a Generator needs.
type Pool interface {
	ActiveClient(purpose keypool.Purpose) (*keypool.Handle, error)
	AdvanceOnFailure(failed int) int
	RecordSuccess(ctx context.Context, index int, tokens int)
	PoolSize() int
}

// Config selects models and the failover delay.
type Config struct {
	Model       string
	SpeechModel string
	Voice       string
	RetryDelay  time.Duration
}

// Request is one prompt with its context.
type Request struct {
	Prompt      string
	Attachments []models.Attachment
	History     []models.Message
	CanvasHTML  string
}

// Result describes a finished generation.
type Result struct {
	Text     string
	KeyIndex int
	Tokens   int
	Attempts int
}

// Generator streams generations through a key pool.
type Generator struct {
	pool   Pool
	cfg    Config
	tracer trace.Tracer
}

// New builds a Generator.
func New(pool Pool, cfg Config) *Generator {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Generator{pool: pool, cfg: cfg, tracer: otel.Tracer("canvas-chat/genai")}
}

// Stream runs the prompt and calls onProgress with the accumulated text of
// the current attempt after every chunk. A failover restarts the text.
//
// Returns ErrAborted when ctx is cancelled, ErrConfiguration without
// credentials, and ErrKeysExhausted after every key failed; in the last case
// a visible error line has already been reported through onProgress.
func (g *Generator) Stream(ctx context.Context, req Request, onProgress func(text string)) (Result, error) {
	attempts := g.pool.PoolSize()
	if attempts == 0 {
		return Result{}, fmt.Errorf("%w: %w", ErrConfiguration, keypool.ErrNoKeys)
	}

	messages := buildMessages(req)
	system := llm.Message{Role: "system", Content: SystemInstruction(req.CanvasHTML)}
	messages = append([]llm.Message{system}, messages...)

	var (
		result      Result
		lastErr     error
		lastPartial string
		attempt     int
	)

	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ErrAborted)
		}
		attempt++
		h, err := g.pool.ActiveClient(keypool.Generation)
		if err != nil {
			return backoff.Permanent(err)
		}

		res, err := g.attempt(ctx, h, messages, onProgress)
		if err == nil {
			result = res
			return nil
		}
		if errors.Is(err, ErrAborted) {
			return backoff.Permanent(ErrAborted)
		}

		lastErr, lastPartial = err, res.Text
		reason := "transient"
		if errors.Is(err, ErrRateLimited) {
			reason = "rate_limited"
		}
		observability.IncKeyFailover(reason)
		next := g.pool.AdvanceOnFailure(h.Index)
		log.Printf("genai attempt=%d/%d key=%d failed (%s), next key=%d: %v", attempt, attempts, h.Index, reason, next, err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(g.cfg.RetryDelay), uint64(attempts-1)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	switch {
	case err == nil:
		result.Attempts = attempt
		return result, nil
	case errors.Is(err, ErrAborted) || ctx.Err() != nil:
		return Result{Attempts: attempt}, ErrAborted
	case errors.Is(err, keypool.ErrNoKeys):
		return Result{Attempts: attempt}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	text := lastPartial + fmt.Sprintf("\n\n[Error: All %d keys failed. Last error: %v]", attempts, lastErr)
	onProgress(text)
	return Result{Text: text, Attempts: attempt}, fmt.Errorf("%w: %v", ErrKeysExhausted, lastErr)
}

func (g *Generator) attempt(ctx context.Context, h *keypool.Handle, messages []llm.Message, onProgress func(string)) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "genai.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("genai.key_index", h.Index), attribute.String("genai.model", g.cfg.Model)),
	)
	defer span.End()

	if ctx.Err() != nil {
		return Result{KeyIndex: h.Index}, ErrAborted
	}

	inputTokens, err := h.CountTokens(ctx, g.cfg.Model, messages)
	if err != nil {
		log.Printf("genai token count failed key=%d: %v", h.Index, err)
		inputTokens = 0
	}
	if ctx.Err() != nil {
		return Result{KeyIndex: h.Index}, ErrAborted
	}

	var (
		text  strings.Builder
		usage *llm.Usage
	)
	err = h.StreamChat(ctx, llm.ChatRequest{Model: g.cfg.Model, Messages: messages}, func(c llm.Chunk) error {
		if ctx.Err() != nil {
			return ErrAborted
		}
		if c.Usage != nil {
			usage = c.Usage
		}
		if c.Text != "" {
			text.WriteString(c.Text)
			onProgress(text.String())
		}
		return nil
	})
	if err != nil {
		err = classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{Text: text.String(), KeyIndex: h.Index}, err
	}

	tokens := inputTokens + (utf8.RuneCountInString(text.String())+3)/4
	if usage != nil && usage.TotalTokens > 0 {
		tokens = usage.TotalTokens
	}
	g.pool.RecordSuccess(ctx, h.Index, tokens)
	observability.AddKeyTokens(h.Index, tokens)
	span.SetAttributes(attribute.Int("genai.tokens", tokens))

	return Result{Text: text.String(), KeyIndex: h.Index, Tokens: tokens}, nil
}

// Speak renders the prose of text with the speech key and returns base64
// audio, or "" when the provider returned nothing.
func (g *Generator) Speak(ctx context.Context, text string) (string, error) {
	prose := extract.Prose(text)
	if prose == "" {
		return "", nil
	}
	if r := []rune(prose); len(r) > maxSpeechChars {
		prose = string(r[:maxSpeechChars])
	}

	h, err := g.pool.ActiveClient(keypool.Speech)
	if err != nil {
		return "", err
	}
	audio, err := h.GenerateSpeech(ctx, llm.SpeechRequest{
		Model:          g.cfg.SpeechModel,
		Input:          prose,
		Voice:          g.cfg.Voice,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return "", err
	}
	if len(audio) == 0 {
		return "", nil
	}
	tokens := (utf8.RuneCountInString(prose) + 3) / 4
	g.pool.RecordSuccess(ctx, h.Index, tokens)
	observability.AddKeyTokens(h.Index, tokens)
	return base64.StdEncoding.EncodeToString(audio), nil
}

func buildMessages(req Request) []llm.Message {
	messages := CompactHistory(req.History)
	prompt := toTurn(models.Message{Role: models.RoleUser, Text: req.Prompt, Attachments: req.Attachments})
	return append(messages, prompt)
}

func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled), ctx.Err() != nil:
		return ErrAborted
	case errors.Is(err, llm.ErrRateLimited):
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}
