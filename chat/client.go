package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"campuslink/apperr"
	"campuslink/calls"
	"campuslink/keystore"
	"campuslink/messagestore"
	"campuslink/models"
	"campuslink/network"
	"campuslink/outbox"
	"campuslink/ratelimit"
	"campuslink/reconcile"
	"campuslink/schedule"
	"campuslink/storage"
)

const (
	DefaultFlushInterval = time.Minute
	DefaultHistoryLimit  = 50
)

// MessageStore is the remote message-store. *messagestore.Client implements it.
type MessageStore interface {
	reconcile.Source
	outbox.Replayer
	FetchHistory(ctx context.Context, conversationID string, limit int, before string) ([]models.Message, error)
	PostMessage(ctx context.Context, conversationID string, req messagestore.PostMessageRequest) (models.Message, error)
	RegisterPushToken(ctx context.Context, deviceToken, platform string) error
}

// LocalStore caches messages on the device. *storage.Store implements it.
type LocalStore interface {
	outbox.QueueStorage
	SaveMessage(message storage.Message) error
	UpdateDeliveryStatus(messageID, status string) error
	UpdateDeliveryStatusByOutboxEntry(entryID, status string) error
	GetConversationMessages(conversationID string, limit, offset int) ([]storage.Message, error)
	GetMessageByID(messageID string) (*storage.Message, error)
}

// Options wires a Client. Transport, Store, Local and Keys are required.
type Options struct {
	Identity  network.Identity
	Transport *network.Manager
	Store     MessageStore
	Local     LocalStore
	Keys      *keystore.Store
	Governor  *ratelimit.Governor
	Hook      outbox.DeferredHook
	// Deduper drops messages delivered by both the transport and push. Defaults to memory.
	Deduper network.Deduper

	ReconcileInterval time.Duration
	FlushInterval     time.Duration
	RingTimeout       time.Duration
	MaxAttempts       int

	PushToken    string
	PushPlatform string

	Logger zerolog.Logger
}

// SendResult describes what happened to one outgoing message.
type SendResult struct {
	// Message carries the plaintext body for display.
	Message models.Message
	Status  string
	Receipt *outbox.Receipt
}

type MessageHandler func(models.InboundMessage)

type SendFailedHandler func(outbox.DroppedNotice)

// Client is the messaging core of one signed-in identity.
type Client struct {
	options Options
	logger  zerolog.Logger

	scheduler  *schedule.Scheduler
	reconciler *reconcile.Reconciler
	calls      *calls.Machine
	outbox     *outbox.Outbox

	mu        sync.Mutex
	started   bool
	subs      *network.Group
	callSubs  *network.Group
	stopHook  func()
	closeOnce sync.Once

	handlerMu      sync.RWMutex
	nextHandler    uint64
	messageHandler map[uint64]MessageHandler
	failedHandler  map[uint64]SendFailedHandler
}

// New builds the client and its components. Nothing touches the network until Start.
func New(options Options) (*Client, error) {
	if options.Identity.ID == "" {
		return nil, errors.New("identity is required")
	}
	if options.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if options.Store == nil {
		return nil, errors.New("message store is required")
	}
	if options.Local == nil {
		return nil, apperr.New(apperr.StorageUnavailable, "new client", errors.New("local store is required"))
	}
	if options.Keys == nil {
		return nil, errors.New("key store is required")
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = DefaultFlushInterval
	}
	if options.Deduper == nil {
		options.Deduper = network.NewMemoryDeduper(0)
	}
	if options.Governor == nil {
		options.Governor = ratelimit.New(ratelimit.Options{Logger: options.Logger})
	}

	c := &Client{
		options:        options,
		logger:         options.Logger.With().Str("component", "chat").Str("identity", options.Identity.ID).Logger(),
		scheduler:      schedule.NewScheduler(context.Background(), options.Logger),
		messageHandler: make(map[uint64]MessageHandler),
		failedHandler:  make(map[uint64]SendFailedHandler),
	}

	reconciler, err := reconcile.New(reconcile.Options{
		Source:    options.Store,
		ViewerID:  options.Identity.ID,
		Interval:  options.ReconcileInterval,
		Scheduler: c.scheduler,
		Logger:    options.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.reconciler = reconciler

	machine, err := calls.New(calls.Options{
		Transport:   options.Transport,
		SelfID:      options.Identity.ID,
		RingTimeout: options.RingTimeout,
		Scheduler:   c.scheduler,
		Logger:      options.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.calls = machine

	queue, err := outbox.New(outbox.Options{
		Storage:     options.Local,
		Replayer:    options.Store,
		MaxAttempts: options.MaxAttempts,
		OnDelivered: c.handleDelivered,
		OnDropped:   c.handleDropped,
		Logger:      options.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.outbox = queue

	return c, nil
}

// Start subscribes to the transport, schedules background work and opens the session.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true

	transport := c.options.Transport
	background := c.scheduler.Context()
	subs := &network.Group{}
	subs.Add(transport.On(network.EventMessageNew, c.handleMessageFrame))
	subs.Add(transport.On(network.EventKeyExchange, func(frame network.Frame) {
		if err := c.options.Keys.HandleKeyExchangeFrame(background, frame); err != nil {
			c.logger.Warn().Err(err).Str("from", frame.From).Msg("key exchange rejected")
		}
	}))
	subs.Add(transport.OnStatus(c.handleStatus))
	c.subs = subs
	c.callSubs = calls.Bind(background, transport, c.calls)

	c.reconciler.Start()
	c.scheduler.Every("outbox-flush", c.options.FlushInterval, func(ctx context.Context) {
		c.flushIfConnected(ctx)
	})
	c.stopHook = outbox.RegisterHook(c.options.Hook, func() {
		c.scheduler.Go("outbox-hook-flush", c.flushIfConnected)
	}, c.logger)
	c.mu.Unlock()

	if err := transport.Connect(ctx, c.options.Identity); err != nil {
		return err
	}
	if !transport.Connected() {
		c.registerPush()
	}
	return nil
}

// Close tears everything down. Results of requests still in flight are dropped.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if current := c.calls.Current(); current.State != calls.StateIdle {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = c.calls.Terminate(ctx)
			cancel()
		}

		c.reconciler.Stop()
		c.mu.Lock()
		subs, callSubs, stopHook := c.subs, c.callSubs, c.stopHook
		c.mu.Unlock()
		if subs != nil {
			subs.Release()
		}
		if callSubs != nil {
			callSubs.Release()
		}
		if stopHook != nil {
			stopHook()
		}
		c.scheduler.Stop()
		err = c.options.Transport.Disconnect()
	})
	return err
}

// SendMessage sends body to conversationID. While offline, or when the message-store is
// unreachable, the request is queued in the outbox and Status is "queued".
func (c *Client) SendMessage(ctx context.Context, conversationID, body, replyToID string) (SendResult, error) {
	if conversationID == "" {
		return SendResult{}, errors.New("conversation id is required")
	}
	if err := c.options.Governor.RecordSend(ctx); err != nil {
		return SendResult{}, err
	}

	conv := c.conversation(ctx, conversationID)
	wireBody, err := c.options.Keys.EncryptForConversation(ctx, conv, body)
	if err != nil {
		return SendResult{}, err
	}

	req := messagestore.PostMessageRequest{
		ID:        uuid.NewString(),
		Body:      wireBody,
		SentAt:    time.Now().UTC(),
		ReplyToID: replyToID,
	}
	display := models.Message{
		ID:             req.ID,
		ConversationID: conversationID,
		SenderID:       c.options.Identity.ID,
		Body:           body,
		SentAt:         req.SentAt,
		ReplyToID:      replyToID,
	}

	if !c.options.Transport.Connected() {
		return c.enqueue(ctx, display, req)
	}

	canonical, err := c.options.Store.PostMessage(ctx, conversationID, req)
	switch {
	case err == nil:
		display.SentAt = canonical.SentAt
		c.cache(display, wireBody, storage.DeliveryDelivered, nil)
		return SendResult{Message: display, Status: storage.DeliveryDelivered}, nil
	case apperr.Is(err, apperr.Connectivity):
		c.logger.Info().Err(err).Str("conversation_id", conversationID).Msg("message-store unreachable, queueing message")
		return c.enqueue(ctx, display, req)
	case apperr.Is(err, apperr.RateLimited):
		var retryAfter time.Duration
		if until, ok := apperr.RetryAt(err); ok {
			retryAfter = time.Until(until)
		}
		until := c.options.Governor.ApplyRemoteRejection(ctx, retryAfter)
		return SendResult{}, apperr.Limited("send message", until)
	default:
		c.cache(display, wireBody, storage.DeliveryFailed, nil)
		return SendResult{Message: display, Status: storage.DeliveryFailed}, err
	}
}

func (c *Client) enqueue(ctx context.Context, display models.Message, req messagestore.PostMessageRequest) (SendResult, error) {
	receipt, err := c.outbox.EnqueueJSON(ctx, messagestore.MessagesEndpoint(display.ConversationID), http.MethodPost, req,
		outbox.WithIdempotencyKey(req.ID))
	if err != nil {
		return SendResult{}, err
	}
	c.cache(display, req.Body, storage.DeliveryQueued, &receipt.EntryID)
	return SendResult{Message: display, Status: storage.DeliveryQueued, Receipt: &receipt}, nil
}

// conversation returns the known membership of conversationID, refreshing it once when unknown.
func (c *Client) conversation(ctx context.Context, conversationID string) models.Conversation {
	if conv, ok := c.reconciler.Conversation(conversationID); ok {
		return conv
	}
	if c.options.Transport.Connected() {
		if err := c.reconciler.PullConversation(ctx, conversationID); err != nil {
			c.logger.Debug().Err(err).Str("conversation_id", conversationID).Msg("conversation lookup failed")
		}
		if conv, ok := c.reconciler.Conversation(conversationID); ok {
			return conv
		}
	}
	return models.Conversation{ID: conversationID}
}

func (c *Client) cache(msg models.Message, wireBody, status string, entryID *string) {
	row := storage.Message{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           wireBody,
		SentAt:         msg.SentAt.UnixMilli(),
		DeliveryStatus: status,
		OutboxEntryID:  entryID,
	}
	if msg.ReplyToID != "" {
		reply := msg.ReplyToID
		row.ReplyToID = &reply
	}
	if err := c.options.Local.SaveMessage(row); err != nil {
		c.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("cache message")
	}
}

// MarkRead marks messageIDs read. On failure the unread count is restored and the error returned.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return c.reconciler.MarkRead(ctx, conversationID, messageIDs)
}

// OpenConversation puts conversationID on screen, returns its latest history decrypted for
// display and marks unread messages read.
func (c *Client) OpenConversation(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	c.reconciler.SetOpenConversation(conversationID)

	history, err := c.options.Store.FetchHistory(ctx, conversationID, limit, "")
	if err != nil {
		if apperr.Is(err, apperr.Connectivity) {
			return c.cachedHistory(conversationID, limit)
		}
		return nil, err
	}

	var unread []string
	for _, msg := range history {
		c.cache(msg, msg.Body, storage.DeliveryDelivered, nil)
		if msg.SenderID != c.options.Identity.ID && !msg.IsReadBy(c.options.Identity.ID) {
			unread = append(unread, msg.ID)
		}
	}
	history = c.options.Keys.DecryptAllForDisplay(history)

	if len(unread) > 0 || c.reconciler.Unread(conversationID) > 0 {
		if err := c.reconciler.MarkRead(ctx, conversationID, unread); err != nil {
			return history, err
		}
	}
	return history, nil
}

// CloseConversation clears the on-screen conversation.
func (c *Client) CloseConversation() {
	c.reconciler.SetOpenConversation("")
}

func (c *Client) cachedHistory(conversationID string, limit int) ([]models.Message, error) {
	rows, err := c.options.Local.GetConversationMessages(conversationID, limit, 0)
	if err != nil {
		return nil, apperr.New(apperr.StorageUnavailable, "load cached history", err)
	}
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg := models.Message{
			ID:             row.MessageID,
			ConversationID: row.ConversationID,
			SenderID:       row.SenderID,
			Body:           row.Body,
			SentAt:         time.UnixMilli(row.SentAt).UTC(),
		}
		if row.ReplyToID != nil {
			msg.ReplyToID = *row.ReplyToID
		}
		out = append(out, msg)
	}
	return c.options.Keys.DecryptAllForDisplay(out), nil
}

// HandlePush feeds a push-delivered event into the same path as transport events.
func (c *Client) HandlePush(ctx context.Context, payload []byte) error {
	msg, err := models.DecodeInbound(payload)
	if err != nil {
		return err
	}
	return c.receive(ctx, msg)
}

func (c *Client) handleMessageFrame(frame network.Frame) {
	msg, err := models.DecodeInbound(frame.Payload)
	if err != nil {
		c.logger.Warn().Err(err).Str("frame_id", frame.ID).Msg("decode inbound message")
		return
	}
	if sender := msg.Base().SenderID; frame.From != "" && sender != frame.From {
		c.logger.Warn().Str("sender_id", sender).Str("from", frame.From).Msg("dropping message with forged sender")
		return
	}
	if err := c.receive(c.scheduler.Context(), msg); err != nil {
		c.logger.Debug().Err(err).Str("message_id", msg.Base().ID).Msg("apply inbound message")
	}
}

func (c *Client) receive(ctx context.Context, msg models.InboundMessage) error {
	base := msg.Base()
	if first, err := c.options.Deduper.MarkSeen("message:" + base.ID); err != nil {
		c.logger.Warn().Err(err).Str("message_id", base.ID).Msg("dedupe inbound message")
	} else if !first {
		return nil
	}
	c.cache(base, base.Body, storage.DeliveryDelivered, nil)

	display := c.options.Keys.DecryptForDisplay(base)
	switch m := msg.(type) {
	case models.DirectMessage:
		m.Message = display
		msg = m
	case models.GroupMessage:
		m.Message = display
		msg = m
	}

	c.publishMessage(msg)
	return c.reconciler.HandlePush(ctx, msg)
}

func (c *Client) handleStatus(connected bool) {
	if !connected {
		c.registerPush()
		return
	}
	c.scheduler.Go("transport-ready", func(ctx context.Context) {
		if n, err := c.options.Keys.RetryPendingExchanges(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("retry pending key exchanges")
		} else if n > 0 {
			c.logger.Info().Int("count", n).Msg("pending key exchanges delivered")
		}
		c.flushIfConnected(ctx)
		if err := c.reconciler.Pull(ctx); err != nil {
			c.logger.Debug().Err(err).Msg("reconcile on ready failed")
		}
	})
}

func (c *Client) registerPush() {
	if c.options.PushToken == "" {
		return
	}
	c.scheduler.Go("register-push", func(ctx context.Context) {
		if c.options.Transport.Connected() {
			return
		}
		if err := c.options.Store.RegisterPushToken(ctx, c.options.PushToken, c.options.PushPlatform); err != nil {
			c.logger.Debug().Err(err).Msg("register push token")
		}
	})
}

func (c *Client) flushIfConnected(ctx context.Context) {
	if !c.options.Transport.Connected() {
		return
	}
	if _, err := c.Flush(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("outbox flush stopped")
	}
}

// Flush replays queued requests now.
func (c *Client) Flush(ctx context.Context) (outbox.FlushResult, error) {
	return c.outbox.Flush(ctx)
}

// Outbox exposes the durable queue for inspection.
func (c *Client) Outbox() *outbox.Outbox {
	return c.outbox
}

func (c *Client) handleDelivered(entry storage.OutboxEntry) {
	c.setQueuedStatus(entry, storage.DeliveryDelivered)
}

func (c *Client) handleDropped(notice outbox.DroppedNotice) {
	c.setQueuedStatus(notice.Entry, storage.DeliveryFailed)

	c.handlerMu.RLock()
	handlers := make([]SendFailedHandler, 0, len(c.failedHandler))
	for _, handler := range c.failedHandler {
		handlers = append(handlers, handler)
	}
	c.handlerMu.RUnlock()
	for _, handler := range handlers {
		handler(notice)
	}
}

// setQueuedStatus updates the cached message of entry. Rows cached before the entry id was
// known are found through the message id in the payload.
func (c *Client) setQueuedStatus(entry storage.OutboxEntry, status string) {
	err := c.options.Local.UpdateDeliveryStatusByOutboxEntry(entry.EntryID, status)
	if errors.Is(err, storage.ErrNotFound) {
		var req messagestore.PostMessageRequest
		if json.Unmarshal(entry.Payload, &req) == nil && req.ID != "" {
			err = c.options.Local.UpdateDeliveryStatus(req.ID, status)
		}
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn().Err(err).Str("entry_id", entry.EntryID).Msg("update delivery status")
	}
}

// LocalStatus returns the cached delivery status of messageID.
func (c *Client) LocalStatus(messageID string) (string, bool) {
	row, err := c.options.Local.GetMessageByID(messageID)
	if err != nil {
		return "", false
	}
	return row.DeliveryStatus, true
}

// Unread returns the count of one conversation.
func (c *Client) Unread(conversationID string) int {
	return c.reconciler.Unread(conversationID)
}

// Badge returns the global unread badge.
func (c *Client) Badge() int {
	return c.reconciler.Badge()
}

// Refresh pulls authoritative unread state now.
func (c *Client) Refresh(ctx context.Context) error {
	return c.reconciler.Pull(ctx)
}

// OnUnreadChanged subscribes to unread count changes.
func (c *Client) OnUnreadChanged(handler reconcile.ChangeHandler) (release func()) {
	return c.reconciler.OnChange(handler)
}

// OnMessageReceived subscribes to inbound messages, decrypted for display.
func (c *Client) OnMessageReceived(handler MessageHandler) (release func()) {
	c.handlerMu.Lock()
	c.nextHandler++
	id := c.nextHandler
	c.messageHandler[id] = handler
	c.handlerMu.Unlock()
	return c.releaser(func() { delete(c.messageHandler, id) })
}

// OnSendFailed subscribes to queued messages the message-store permanently refused.
func (c *Client) OnSendFailed(handler SendFailedHandler) (release func()) {
	c.handlerMu.Lock()
	c.nextHandler++
	id := c.nextHandler
	c.failedHandler[id] = handler
	c.handlerMu.Unlock()
	return c.releaser(func() { delete(c.failedHandler, id) })
}

// OnCallStateChanged subscribes to call state transitions.
func (c *Client) OnCallStateChanged(handler calls.StateHandler) (release func()) {
	return c.calls.OnStateChange(handler)
}

// OnCallSignal subscribes to the peer's negotiation payloads.
func (c *Client) OnCallSignal(handler calls.SignalHandler) (release func()) {
	return c.calls.OnSignal(handler)
}

func (c *Client) releaser(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlerMu.Lock()
			remove()
			c.handlerMu.Unlock()
		})
	}
}

func (c *Client) publishMessage(msg models.InboundMessage) {
	c.handlerMu.RLock()
	handlers := make([]MessageHandler, 0, len(c.messageHandler))
	for _, handler := range c.messageHandler {
		handlers = append(handlers, handler)
	}
	c.handlerMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().Interface("panic", r).Msg("message handler panicked")
				}
			}()
			handler(msg)
		}()
	}
}

// InitiateCall rings calleeID.
func (c *Client) InitiateCall(ctx context.Context, calleeID string) (calls.Session, error) {
	return c.calls.Initiate(ctx, calleeID)
}

// AcceptCall answers the ringing incoming call.
func (c *Client) AcceptCall(ctx context.Context) error {
	return c.calls.Accept(ctx)
}

// RejectCall declines the ringing incoming call.
func (c *Client) RejectCall(ctx context.Context) error {
	return c.calls.Reject(ctx)
}

// TerminateCall hangs up.
func (c *Client) TerminateCall(ctx context.Context) error {
	return c.calls.Terminate(ctx)
}

// SendCallSignal relays one negotiation payload to the peer of the current call.
func (c *Client) SendCallSignal(ctx context.Context, kind string, data json.RawMessage) error {
	return c.calls.SendSignal(ctx, kind, data)
}

// CallNegotiationFailed reports a media negotiation error for callID.
func (c *Client) CallNegotiationFailed(ctx context.Context, callID string, cause error) {
	c.calls.NegotiationFailed(ctx, callID, cause)
}

// CurrentCall returns the call session snapshot.
func (c *Client) CurrentCall() calls.Session {
	return c.calls.Current()
}
