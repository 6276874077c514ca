package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"campuslink/metrics"
	"campuslink/models"
	"campuslink/network"
	"campuslink/schedule"
)

const (
	DefaultInterval = 30 * time.Second

	scopeAll = "all"
)

// Source is the authoritative unread state. *messagestore.Client implements it.
type Source interface {
	ListConversations(ctx context.Context) ([]models.ConversationSummary, error)
	GetConversation(ctx context.Context, conversationID string) (models.ConversationSummary, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// Change is published whenever a conversation counter or the badge moves.
type Change struct {
	ConversationID string
	Unread         int
	Badge          int
}

type ChangeHandler func(Change)

// Options configures a Reconciler.
type Options struct {
	Source    Source
	ViewerID  string
	Interval  time.Duration
	Scheduler *schedule.Scheduler
	Deduper   network.Deduper
	Logger    zerolog.Logger
}

type pendingRead struct {
	prev       int
	increments int
	inflight   int
}

// Reconciler merges periodic authoritative pulls with optimistic push increments.
type Reconciler struct {
	options Options
	logger  zerolog.Logger
	flight  singleflight.Group
	gen     schedule.Generation

	mu            sync.Mutex
	counts        map[string]int
	optimistic    map[string]int
	conversations map[string]models.Conversation
	readEpoch     map[string]uint64
	pending       map[string]*pendingRead
	open          string
	ticker        *schedule.Task

	handlerMu   sync.RWMutex
	handlers    map[uint64]ChangeHandler
	nextHandler uint64
}

// New returns a reconciler for options.ViewerID.
func New(options Options) (*Reconciler, error) {
	if options.Source == nil {
		return nil, errors.New("source is required")
	}
	if options.ViewerID == "" {
		return nil, errors.New("viewer id is required")
	}
	if options.Interval <= 0 {
		options.Interval = DefaultInterval
	}
	if options.Deduper == nil {
		options.Deduper = network.NewMemoryDeduper(0)
	}
	return &Reconciler{
		options:       options,
		logger:        options.Logger.With().Str("component", "reconcile").Logger(),
		counts:        make(map[string]int),
		optimistic:    make(map[string]int),
		conversations: make(map[string]models.Conversation),
		readEpoch:     make(map[string]uint64),
		pending:       make(map[string]*pendingRead),
		handlers:      make(map[uint64]ChangeHandler),
	}, nil
}

// Start schedules the periodic pull. It is a no-op without a scheduler.
func (r *Reconciler) Start() {
	if r.options.Scheduler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticker != nil {
		return
	}
	r.ticker = r.options.Scheduler.Every("reconcile", r.options.Interval, func(ctx context.Context) {
		if err := r.Pull(ctx); err != nil {
			r.logger.Debug().Err(err).Msg("periodic reconcile failed")
		}
	})
}

// Stop cancels the periodic pull and drops the results of requests still in flight.
func (r *Reconciler) Stop() {
	r.gen.Advance()
	r.mu.Lock()
	task := r.ticker
	r.ticker = nil
	r.mu.Unlock()
	task.Cancel()
}

// OnChange subscribes handler. The returned func releases the subscription.
func (r *Reconciler) OnChange(handler ChangeHandler) (release func()) {
	r.handlerMu.Lock()
	r.nextHandler++
	id := r.nextHandler
	r.handlers[id] = handler
	r.handlerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.handlerMu.Lock()
			delete(r.handlers, id)
			r.handlerMu.Unlock()
		})
	}
}

// Pull refreshes every conversation from the source. Concurrent calls share one request.
func (r *Reconciler) Pull(ctx context.Context) error {
	gen := r.gen.Current()
	_, err, _ := r.flight.Do(scopeAll, func() (any, error) {
		epochs := r.epochSnapshot()
		start := time.Now()
		summaries, err := r.options.Source.ListConversations(ctx)
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ReconcilePulls.WithLabelValues("error").Inc()
			return nil, err
		}
		if !r.gen.Valid(gen) {
			metrics.ReconcilePulls.WithLabelValues("stale").Inc()
			return nil, nil
		}
		r.apply(summaries, epochs, true)
		metrics.ReconcilePulls.WithLabelValues("ok").Inc()
		return nil, nil
	})
	return err
}

// PullConversation refreshes one conversation. Concurrent calls for the same id share one request.
func (r *Reconciler) PullConversation(ctx context.Context, conversationID string) error {
	gen := r.gen.Current()
	_, err, _ := r.flight.Do("conversation:"+conversationID, func() (any, error) {
		epochs := r.epochSnapshot()
		summary, err := r.options.Source.GetConversation(ctx, conversationID)
		if err != nil {
			metrics.ReconcilePulls.WithLabelValues("error").Inc()
			return nil, err
		}
		if !r.gen.Valid(gen) {
			metrics.ReconcilePulls.WithLabelValues("stale").Inc()
			return nil, nil
		}
		r.apply([]models.ConversationSummary{summary}, epochs, false)
		metrics.ReconcilePulls.WithLabelValues("ok").Inc()
		return nil, nil
	})
	return err
}

// HandlePush applies one pushed message. A message for the open conversation is marked
// read right away; any other conversation gets an optimistic increment.
func (r *Reconciler) HandlePush(ctx context.Context, msg models.InboundMessage) error {
	base := msg.Base()
	if base.SenderID == r.options.ViewerID {
		return nil
	}
	if first, err := r.options.Deduper.MarkSeen("unread:" + base.ID); err != nil {
		r.logger.Warn().Err(err).Str("message_id", base.ID).Msg("dedupe push")
	} else if !first {
		return nil
	}

	r.mu.Lock()
	if r.open == base.ConversationID {
		r.mu.Unlock()
		return r.MarkRead(ctx, base.ConversationID, []string{base.ID})
	}
	if _, known := r.conversations[base.ConversationID]; !known {
		r.conversations[base.ConversationID] = models.Conversation{ID: base.ConversationID, Kind: msg.Kind()}
	}
	r.counts[base.ConversationID]++
	r.optimistic[base.ConversationID]++
	if p := r.pending[base.ConversationID]; p != nil {
		p.increments++
	}
	change := r.changeLocked(base.ConversationID)
	r.mu.Unlock()

	r.notify(change)
	return nil
}

// MarkRead zeroes the counter and confirms with the source. On failure the previous count
// plus any increments that arrived meanwhile is restored and the error returned.
func (r *Reconciler) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	gen := r.gen.Current()

	r.mu.Lock()
	p := r.pending[conversationID]
	if p == nil {
		p = &pendingRead{prev: r.counts[conversationID]}
		r.pending[conversationID] = p
	}
	p.inflight++
	r.readEpoch[conversationID]++
	r.counts[conversationID] = 0
	r.optimistic[conversationID] = 0
	change := r.changeLocked(conversationID)
	r.mu.Unlock()
	r.notify(change)

	err := r.options.Source.MarkRead(ctx, conversationID, messageIDs)
	if !r.gen.Valid(gen) {
		return err
	}

	r.mu.Lock()
	p.inflight--
	if err == nil {
		r.readEpoch[conversationID]++
		p.prev = 0
		p.increments = 0
		r.counts[conversationID] = 0
	} else if p.inflight == 0 {
		r.counts[conversationID] = p.prev + p.increments
		r.optimistic[conversationID] = p.increments
	}
	if p.inflight == 0 {
		delete(r.pending, conversationID)
	}
	change = r.changeLocked(conversationID)
	r.mu.Unlock()
	r.notify(change)

	if err != nil {
		r.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("mark read failed, restoring unread count")
	}
	return err
}

// SetOpenConversation records the conversation on screen. An empty id closes it.
func (r *Reconciler) SetOpenConversation(conversationID string) {
	r.mu.Lock()
	r.open = conversationID
	r.mu.Unlock()
}

// OpenConversation returns the conversation on screen, if any.
func (r *Reconciler) OpenConversation() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Unread returns the current count of one conversation.
func (r *Reconciler) Unread(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[conversationID]
}

// Pending returns the optimistic increments not yet covered by a pull.
func (r *Reconciler) Pending(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.optimistic[conversationID]
}

// Badge is the sum of all conversation counters.
func (r *Reconciler) Badge() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.badgeLocked()
}

// Counts returns a copy of every conversation counter.
func (r *Reconciler) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.counts))
	for id, count := range r.counts {
		out[id] = count
	}
	return out
}

// Conversation returns the membership last seen for conversationID.
func (r *Reconciler) Conversation(conversationID string) (models.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[conversationID]
	return conv, ok
}

func (r *Reconciler) epochSnapshot() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.readEpoch))
	for id, epoch := range r.readEpoch {
		out[id] = epoch
	}
	return out
}

// apply overwrites local counters with pulled values. Conversations read since the pull
// started, or with a read still in flight, keep their local value.
func (r *Reconciler) apply(summaries []models.ConversationSummary, epochs map[string]uint64, full bool) {
	var changes []Change

	r.mu.Lock()
	present := make(map[string]struct{}, len(summaries))
	for _, summary := range summaries {
		id := summary.ID
		present[id] = struct{}{}
		r.conversations[id] = summary.Conversation

		if r.readEpoch[id] != epochs[id] || r.pending[id] != nil {
			continue
		}
		count := summary.UnreadFor(r.options.ViewerID)
		previous, known := r.counts[id]
		r.counts[id] = count
		r.optimistic[id] = 0
		if !known || previous != count {
			changes = append(changes, Change{ConversationID: id, Unread: count})
		}
	}
	if full {
		for id, previous := range r.counts {
			if _, ok := present[id]; ok || r.pending[id] != nil {
				continue
			}
			delete(r.counts, id)
			delete(r.optimistic, id)
			if previous != 0 {
				changes = append(changes, Change{ConversationID: id})
			}
		}
	}
	badge := r.badgeLocked()
	r.mu.Unlock()

	metrics.UnreadBadge.Set(float64(badge))
	for _, change := range changes {
		change.Badge = badge
		r.notify(change)
	}
}

func (r *Reconciler) changeLocked(conversationID string) Change {
	badge := r.badgeLocked()
	metrics.UnreadBadge.Set(float64(badge))
	return Change{ConversationID: conversationID, Unread: r.counts[conversationID], Badge: badge}
}

func (r *Reconciler) badgeLocked() int {
	total := 0
	for _, count := range r.counts {
		if count > 0 {
			total += count
		}
	}
	return total
}

func (r *Reconciler) notify(change Change) {
	r.handlerMu.RLock()
	handlers := make([]ChangeHandler, 0, len(r.handlers))
	for _, handler := range r.handlers {
		handlers = append(handlers, handler)
	}
	r.handlerMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error().Interface("panic", rec).Msg("unread handler panicked")
				}
			}()
			handler(change)
		}()
	}
}
