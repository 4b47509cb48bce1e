// Package dispatch implements the request orchestrator: it validates user
// input, gates it through the rate limiter and a bounded concurrency
// semaphore, drives the provider gateway with policy-controlled retries, and
// persists the resulting conversation exactly once.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"github.com/parleychat/parley/conversations"
	"github.com/parleychat/parley/llm"
	"github.com/parleychat/parley/ratelimit"
)

const (
	// DefaultMaxInFlight caps concurrent transport calls. Excess submissions
	// block FIFO at admission rather than being rejected.
	DefaultMaxInFlight = 3
	// MaxInFlightCeiling is the largest configurable concurrency cap.
	MaxInFlightCeiling = 5

	titleLimit = 48
)

// Options configure a Dispatcher.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  *float64
	TokenBudget  int
	MaxInFlight  int
}

// Params describe one submission. A caller-supplied RequestID lets the caller
// cancel or inspect the request from another goroutine while Do blocks.
type Params struct {
	RequestID      string
	ConversationID string
	Model          string
	Input          string
	OnChunk        llm.ChunkFunc // non-nil selects the streaming path
}

// Dispatcher is the top-level component external callers use. One instance is
// shared by all UI callers; it owns the request table and the concurrency
// semaphore.
type Dispatcher struct {
	logger  zerolog.Logger
	gateway llm.Gateway
	limiter *ratelimit.Limiter
	policy  llm.RetryPolicy
	store   *conversations.Store
	slots   *semaphore.Weighted
	opts    Options

	mu       sync.Mutex
	requests map[string]*record

	convMu    sync.Mutex
	convLocks map[string]*convLock
}

// convLock serializes work on one conversation. A 1-buffered channel rather
// than a mutex so waiters can also observe context cancellation; refs tracks
// interested requests so the entry is evicted once nobody holds or awaits it.
type convLock struct {
	ch   chan struct{}
	refs int
}

// New creates a dispatcher. The concurrency cap is clamped to [1, 5].
func New(logger zerolog.Logger, gateway llm.Gateway, limiter *ratelimit.Limiter, store *conversations.Store, policy llm.RetryPolicy, opts Options) *Dispatcher {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	if opts.MaxInFlight > MaxInFlightCeiling {
		opts.MaxInFlight = MaxInFlightCeiling
	}
	return &Dispatcher{
		logger:    logger.With().Str("component", "dispatch").Logger(),
		gateway:   gateway,
		limiter:   limiter,
		policy:    policy,
		store:     store,
		slots:     semaphore.NewWeighted(int64(opts.MaxInFlight)),
		opts:      opts,
		requests:  make(map[string]*record),
		convLocks: make(map[string]*convLock),
	}
}

// Submit sends one user message and blocks until the assistant reply has been
// persisted or the request fails.
func (d *Dispatcher) Submit(ctx context.Context, input, conversationID, model string) (*conversations.Message, error) {
	return d.Do(ctx, Params{ConversationID: conversationID, Model: model, Input: input})
}

// SubmitStreaming is Submit with incremental delivery: onChunk receives each
// fragment as it arrives. Partial output is never persisted; the assembled
// message is appended and saved exactly once when the stream completes.
func (d *Dispatcher) SubmitStreaming(ctx context.Context, input, conversationID, model string, onChunk llm.ChunkFunc) (*conversations.Message, error) {
	return d.Do(ctx, Params{ConversationID: conversationID, Model: model, Input: input, OnChunk: onChunk})
}

// Do runs the full request lifecycle:
// Validating → Admitting → Sending/Streaming → Persisting.
func (d *Dispatcher) Do(ctx context.Context, p Params) (*conversations.Message, error) {
	if p.RequestID == "" {
		p.RequestID = uuid.New().String()
	}
	if p.ConversationID == "" {
		return nil, llm.NewError(llm.KindValidation, "conversation id is required", nil)
	}
	model := p.Model
	if model == "" {
		model = d.opts.DefaultModel
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rec := newRecord(p.RequestID, p.ConversationID, model, cancel)
	if err := d.register(rec); err != nil {
		return nil, err
	}
	defer d.unregister(rec.id)

	log := d.logger.With().
		Str("request_id", rec.id).
		Str("conversation_id", p.ConversationID).
		Str("model", model).
		Logger()

	rec.transition(StateValidating)
	content := conversations.Sanitize(p.Input)
	if content == "" {
		return nil, d.fail(rec, llm.NewError(llm.KindValidation, "message content is empty", nil))
	}
	if utf8.RuneCountInString(content) > conversations.MaxContentLength {
		return nil, d.fail(rec, llm.NewError(llm.KindValidation,
			fmt.Sprintf("message content exceeds %d characters", conversations.MaxContentLength), nil))
	}

	// Admission: a FIFO concurrency slot first, then both rate windows.
	rec.transition(StateAdmitting)
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return nil, d.cancelled(rec, err)
	}
	defer d.slots.Release(1)
	if wait := d.limiter.RetryIn(); wait > 0 {
		log.Info().Dur("wait", wait).Msg("rate limit reached, request queued")
	}
	if err := d.limiter.WaitUntilAdmitted(ctx); err != nil {
		return nil, d.cancelled(rec, err)
	}

	// The per-conversation lock spans history read through save so appends to
	// one conversation land in submission order; different conversations
	// proceed independently.
	unlock, err := d.lockConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, d.cancelled(rec, err)
	}
	defer unlock()

	conv, err := d.store.Load(p.ConversationID)
	switch {
	case errors.Is(err, conversations.ErrNotFound):
		conv = conversations.New(p.ConversationID, makeTitle(content))
	case err != nil:
		return nil, d.fail(rec, err)
	}

	userMsg := conversations.Message{
		ID:         uuid.New().String(),
		Role:       conversations.RoleUser,
		Content:    content,
		Timestamp:  time.Now().UTC(),
		TokenCount: llm.EstimateTokens(content),
	}

	req := &llm.Request{
		Model:       model,
		Messages:    historyFor(conv, userMsg),
		MaxTokens:   d.opts.MaxTokens,
		Temperature: d.opts.Temperature,
		TokenBudget: d.opts.TokenBudget,
	}

	resp, err := d.callGateway(ctx, rec, req, p.OnChunk, log)
	if err != nil {
		if llm.IsCancelled(err) || ctx.Err() != nil {
			return nil, d.cancelled(rec, err)
		}
		log.Error().Err(err).Str("kind", string(llm.KindOf(err))).Msg("request failed")
		return nil, d.fail(rec, err)
	}

	// Completion latch: a cancellation arriving after this point loses and
	// no late state change occurs; a cancellation arriving before wins and
	// nothing is persisted.
	if !rec.claim() {
		return nil, llm.NewError(llm.KindCancelled, "request cancelled", context.Canceled)
	}
	rec.transition(StatePersisting)

	assistant := conversations.Message{
		ID:           uuid.New().String(),
		Role:         conversations.RoleAssistant,
		Content:      resp.Content,
		Timestamp:    time.Now().UTC(),
		Model:        firstNonEmpty(resp.Model, model),
		TokenCount:   resp.Usage.CompletionTokens,
		FinishReason: resp.FinishReason,
	}

	conv.Append(userMsg)
	conv.Append(assistant)
	conv.ModelUsed = firstNonEmpty(resp.Model, model)

	if err := d.store.Save(conv); err != nil {
		// Losing a conversation write is a data-loss risk: surface it once,
		// never retry automatically, and hand back the assistant message so
		// the caller can retry the save with in-memory state intact.
		rec.finish(StateError)
		log.Error().Err(err).Msg("conversation save failed")
		return &assistant, fmt.Errorf("persist conversation %s: %w", conv.ID, err)
	}

	rec.finish(StateIdle)
	log.Info().
		Int("total_tokens", conv.TotalTokens).
		Int("messages", len(conv.Messages)).
		Msg("request complete")
	return &assistant, nil
}

// callGateway drives the transport with policy-controlled retries. Streaming
// attempts that already delivered fragments are never retried, since a rerun
// would re-deliver partial output.
func (d *Dispatcher) callGateway(ctx context.Context, rec *record, req *llm.Request, onChunk llm.ChunkFunc, log zerolog.Logger) (*llm.Response, error) {
	attempt := d.policy.NewAttempt()
	for {
		var (
			resp *llm.Response
			err  error
		)
		if onChunk != nil {
			rec.transition(StateStreaming)
			delivered := 0
			guarded := func(fragment string) {
				if ctx.Err() != nil {
					return
				}
				delivered++
				onChunk(fragment)
			}
			resp, err = d.gateway.Stream(ctx, req, guarded)
			if err != nil && delivered > 0 {
				return nil, err
			}
		} else {
			rec.transition(StateSending)
			resp, err = d.gateway.Send(ctx, req)
		}
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		delay, retry := attempt.Next(err)
		if !retry {
			return nil, err
		}
		log.Warn().Err(err).
			Str("kind", string(llm.KindOf(err))).
			Int("retry", attempt.Retries()).
			Dur("delay", delay).
			Msg("transient gateway failure, retrying")
		if werr := llm.Wait(ctx, delay); werr != nil {
			return nil, werr
		}
	}
}

// Cancel transitions the named request to Cancelled and propagates
// cancellation to the in-flight gateway call. It returns false if the request
// is unknown or already resolved; a cancel racing a completion is decided by
// the record's latch, exactly once.
func (d *Dispatcher) Cancel(requestID string) bool {
	d.mu.Lock()
	rec := d.requests[requestID]
	d.mu.Unlock()
	if rec == nil {
		return false
	}
	if !rec.claim() {
		return false
	}
	rec.finish(StateCancelled)
	rec.cancel()
	d.logger.Info().Str("request_id", requestID).Msg("request cancelled")
	return true
}

// Status reports a snapshot of an in-flight request. Finished requests are
// destroyed and report false.
func (d *Dispatcher) Status(requestID string) (Status, bool) {
	d.mu.Lock()
	rec := d.requests[requestID]
	d.mu.Unlock()
	if rec == nil {
		return Status{}, false
	}
	return rec.snapshot(), true
}

// ListConversations enumerates stored conversation ids.
func (d *Dispatcher) ListConversations() ([]string, error) {
	return d.store.List()
}

// LoadConversation loads one stored conversation.
func (d *Dispatcher) LoadConversation(id string) (*conversations.Conversation, error) {
	return d.store.Load(id)
}

func (d *Dispatcher) register(rec *record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.requests[rec.id]; dup {
		return llm.NewError(llm.KindValidation, fmt.Sprintf("request id %s already in flight", rec.id), nil)
	}
	d.requests[rec.id] = rec
	return nil
}

func (d *Dispatcher) unregister(id string) {
	d.mu.Lock()
	delete(d.requests, id)
	d.mu.Unlock()
}

// fail resolves the latch with an error outcome. If cancellation already won,
// the error is reported as a cancellation instead.
func (d *Dispatcher) fail(rec *record, err error) error {
	if rec.claim() {
		rec.finish(StateError)
		return err
	}
	return llm.NewError(llm.KindCancelled, "request cancelled", err)
}

// cancelled resolves the latch with a cancellation outcome.
func (d *Dispatcher) cancelled(rec *record, cause error) error {
	if rec.claim() {
		rec.finish(StateCancelled)
	}
	return llm.NewError(llm.KindCancelled, "request cancelled", cause)
}

// lockConversation acquires the per-conversation lock, giving up if ctx is
// cancelled while waiting behind an in-flight request on the same
// conversation.
func (d *Dispatcher) lockConversation(ctx context.Context, id string) (func(), error) {
	d.convMu.Lock()
	l, ok := d.convLocks[id]
	if !ok {
		l = &convLock{ch: make(chan struct{}, 1)}
		d.convLocks[id] = l
	}
	l.refs++
	d.convMu.Unlock()

	release := func() {
		d.convMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.convLocks, id)
		}
		d.convMu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// historyFor builds the provider history: prior messages plus the new user
// message, oldest first.
func historyFor(conv *conversations.Conversation, userMsg conversations.Message) []llm.Message {
	history := lo.Map(conv.Messages, func(m conversations.Message, _ int) llm.Message {
		return llm.Message{Role: llm.Role(m.Role), Content: m.Content}
	})
	return append(history, llm.Message{Role: llm.RoleUser, Content: userMsg.Content})
}

// makeTitle derives a conversation title from the first message.
func makeTitle(content string) string {
	title := content
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	if utf8.RuneCountInString(title) > titleLimit {
		title = string([]rune(title)[:titleLimit])
	}
	return strings.TrimSpace(title)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
