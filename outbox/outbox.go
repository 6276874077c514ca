package outbox

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"campuslink/apperr"
	"campuslink/metrics"
	"campuslink/storage"
)

const (
	// DefaultMaxAttempts bounds replays of a permanently rejected entry before it is dropped.
	DefaultMaxAttempts = 3

	flushBatchSize = 50
)

// QueueStorage is the durable queue. *storage.Store implements it.
type QueueStorage interface {
	AppendOutboxEntry(entry storage.OutboxEntry) error
	ListOutboxEntries(limit int) ([]storage.OutboxEntry, error)
	CountOutboxEntries() (int, error)
	DeleteOutboxEntry(entryID string) error
	RecordOutboxAttempt(entryID, lastError string) (int, error)
	DropOutboxEntry(entry storage.OutboxEntry, reason string) (int64, error)
	ListOutboxFailures(unacknowledgedOnly bool) ([]storage.OutboxFailure, error)
	AcknowledgeOutboxFailure(id int64) error
}

// Replayer re-issues one queued request. Returning an apperr.ReplayRejected error marks a
// permanent rejection; any other error keeps the entry for the next flush.
type Replayer interface {
	Replay(ctx context.Context, entry storage.OutboxEntry) error
}

// Receipt is the synthetic result handed to callers whose request was queued.
type Receipt struct {
	EntryID  string
	Queued   bool
	QueuedAt time.Time
}

// DroppedNotice is published once per entry dropped after repeated rejection.
type DroppedNotice struct {
	Entry     storage.OutboxEntry
	FailureID int64
	Reason    string
}

// FlushResult summarizes one Flush call.
type FlushResult struct {
	Delivered int
	Dropped   int
	Remaining int
	// Coalesced is set when the call joined a flush already in progress.
	Coalesced bool
}

// Options configures an Outbox.
type Options struct {
	Storage     QueueStorage
	Replayer    Replayer
	MaxAttempts int
	OnDelivered func(entry storage.OutboxEntry)
	OnDropped   func(notice DroppedNotice)
	Logger      zerolog.Logger
}

// Outbox durably queues mutating requests made while offline and replays them in order.
type Outbox struct {
	options Options
	logger  zerolog.Logger

	entropyMu  sync.Mutex
	entropy    io.Reader
	now        func() time.Time
	lastIssued time.Time

	flushMu  sync.Mutex
	flushing bool
	rerun    bool
	// serializes replay runs
	runMu sync.Mutex
}

// New validates options and returns an outbox.
func New(options Options) (*Outbox, error) {
	if options.Storage == nil {
		return nil, apperr.New(apperr.StorageUnavailable, "open outbox", errors.New("queue storage is required"))
	}
	if options.Replayer == nil {
		return nil, errors.New("replayer is required")
	}
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = DefaultMaxAttempts
	}

	o := &Outbox{
		options: options,
		logger:  options.Logger.With().Str("component", "outbox").Logger(),
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
	if depth, err := options.Storage.CountOutboxEntries(); err == nil {
		metrics.OutboxDepth.Set(float64(depth))
	} else {
		return nil, apperr.New(apperr.StorageUnavailable, "open outbox", err)
	}
	return o, nil
}

// EnqueueOption customizes one queued entry.
type EnqueueOption func(*storage.OutboxEntry)

// WithIdempotencyKey makes the replay carry key, typically the key of the live attempt
// that failed, so the server can dedupe the two.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(entry *storage.OutboxEntry) {
		entry.IdempotencyKey = key
	}
}

// Enqueue appends a request to the durable queue. It never performs network I/O.
func (o *Outbox) Enqueue(_ context.Context, endpoint, method string, payload []byte, opts ...EnqueueOption) (Receipt, error) {
	entryID, now, err := o.newEntryID()
	if err != nil {
		return Receipt{}, apperr.New(apperr.StorageUnavailable, "enqueue", err)
	}

	entry := storage.OutboxEntry{
		EntryID:   entryID,
		Endpoint:  endpoint,
		Method:    method,
		Payload:   payload,
		CreatedAt: now.UnixMilli(),
	}
	for _, opt := range opts {
		opt(&entry)
	}
	err = o.options.Storage.AppendOutboxEntry(entry)
	if err != nil {
		return Receipt{}, apperr.New(apperr.StorageUnavailable, "enqueue", err)
	}

	metrics.OutboxEnqueued.Inc()
	metrics.OutboxDepth.Inc()
	o.logger.Debug().Str("entry_id", entryID).Str("endpoint", endpoint).Str("method", method).Msg("request queued")
	return Receipt{EntryID: entryID, Queued: true, QueuedAt: now}, nil
}

// EnqueueJSON marshals body and enqueues it.
func (o *Outbox) EnqueueJSON(ctx context.Context, endpoint, method string, body any, opts ...EnqueueOption) (Receipt, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode outbox payload: %w", err)
	}
	return o.Enqueue(ctx, endpoint, method, payload, opts...)
}

// Flush replays queued entries strictly in creation order, one at a time. A call made while
// a flush is running returns immediately and causes exactly one more pass after it.
func (o *Outbox) Flush(ctx context.Context) (FlushResult, error) {
	o.flushMu.Lock()
	if o.flushing {
		o.rerun = true
		o.flushMu.Unlock()
		return FlushResult{Coalesced: true}, nil
	}
	o.flushing = true
	o.flushMu.Unlock()

	var total FlushResult
	for {
		result, err := o.flushOnce(ctx)
		total.Delivered += result.Delivered
		total.Dropped += result.Dropped
		total.Remaining = result.Remaining

		o.flushMu.Lock()
		again := o.rerun && err == nil && ctx.Err() == nil
		o.rerun = false
		if !again {
			o.flushing = false
		}
		o.flushMu.Unlock()

		if !again {
			return total, err
		}
	}
}

func (o *Outbox) flushOnce(ctx context.Context) (result FlushResult, err error) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	defer func() {
		if remaining, err := o.options.Storage.CountOutboxEntries(); err == nil {
			result.Remaining = remaining
			metrics.OutboxDepth.Set(float64(remaining))
		}
	}()

	for {
		entries, err := o.options.Storage.ListOutboxEntries(flushBatchSize)
		if err != nil {
			return result, apperr.New(apperr.StorageUnavailable, "flush", err)
		}
		if len(entries) == 0 {
			return result, nil
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				return result, err
			}

			replayErr := o.options.Replayer.Replay(ctx, entry)
			if replayErr == nil {
				if err := o.options.Storage.DeleteOutboxEntry(entry.EntryID); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return result, apperr.New(apperr.StorageUnavailable, "flush", err)
				}
				result.Delivered++
				metrics.OutboxReplays.WithLabelValues("delivered").Inc()
				o.logger.Debug().Str("entry_id", entry.EntryID).Msg("queued request delivered")
				if o.options.OnDelivered != nil {
					o.options.OnDelivered(entry)
				}
				continue
			}

			if !apperr.Is(replayErr, apperr.ReplayRejected) {
				metrics.OutboxReplays.WithLabelValues("retry").Inc()
				o.logger.Info().Err(replayErr).Str("entry_id", entry.EntryID).Msg("replay failed, keeping remainder for next flush")
				return result, replayErr
			}

			dropped, err := o.reject(entry, replayErr)
			if err != nil {
				return result, err
			}
			if !dropped {
				return result, replayErr
			}
			result.Dropped++
		}
	}
}

// reject records a permanent rejection and drops the entry once it reaches MaxAttempts.
func (o *Outbox) reject(entry storage.OutboxEntry, replayErr error) (bool, error) {
	reason := replayErr.Error()
	attempts, err := o.options.Storage.RecordOutboxAttempt(entry.EntryID, reason)
	if err != nil {
		return false, apperr.New(apperr.StorageUnavailable, "record replay attempt", err)
	}
	entry.Attempts = attempts
	entry.LastError = &reason

	if attempts < o.options.MaxAttempts {
		metrics.OutboxReplays.WithLabelValues("retry").Inc()
		o.logger.Warn().Err(replayErr).Str("entry_id", entry.EntryID).Int("attempts", attempts).Msg("replay rejected")
		return false, nil
	}

	failureID, err := o.options.Storage.DropOutboxEntry(entry, reason)
	if err != nil {
		return false, apperr.New(apperr.StorageUnavailable, "drop outbox entry", err)
	}
	metrics.OutboxReplays.WithLabelValues("dropped").Inc()
	o.logger.Error().Err(replayErr).Str("entry_id", entry.EntryID).Int64("failure_id", failureID).Msg("queued request dropped after repeated rejection")
	if o.options.OnDropped != nil {
		o.options.OnDropped(DroppedNotice{Entry: entry, FailureID: failureID, Reason: reason})
	}
	return true, nil
}

// List returns queued entries in replay order.
func (o *Outbox) List(limit int) ([]storage.OutboxEntry, error) {
	entries, err := o.options.Storage.ListOutboxEntries(limit)
	if err != nil {
		return nil, apperr.New(apperr.StorageUnavailable, "list outbox", err)
	}
	return entries, nil
}

// Len returns the number of queued entries.
func (o *Outbox) Len() (int, error) {
	count, err := o.options.Storage.CountOutboxEntries()
	if err != nil {
		return 0, apperr.New(apperr.StorageUnavailable, "count outbox", err)
	}
	return count, nil
}

// Failures returns dropped entries, newest first.
func (o *Outbox) Failures(unacknowledgedOnly bool) ([]storage.OutboxFailure, error) {
	return o.options.Storage.ListOutboxFailures(unacknowledgedOnly)
}

// Acknowledge marks a drop notice as seen.
func (o *Outbox) Acknowledge(failureID int64) error {
	return o.options.Storage.AcknowledgeOutboxFailure(failureID)
}

// newEntryID reads the clock under the lock so id order matches enqueue order. A clock
// that steps backwards reuses the last timestamp, so the monotonic entropy keeps ids increasing.
func (o *Outbox) newEntryID() (string, time.Time, error) {
	o.entropyMu.Lock()
	defer o.entropyMu.Unlock()
	now := o.now()
	if now.Before(o.lastIssued) {
		now = o.lastIssued
	}
	o.lastIssued = now
	id, err := ulid.New(ulid.Timestamp(now), o.entropy)
	if err != nil {
		return "", now, fmt.Errorf("generate entry id: %w", err)
	}
	return id.String(), now, nil
}
