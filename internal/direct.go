package internal

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dashchat/internal/storage"
)

// DirectStore is the durable side of direct messaging.
type DirectStore interface {
	UserExists(ctx context.Context, username string) (bool, error)
	InsertDirectMessage(ctx context.Context, msg storage.DirectMessage) (storage.DirectMessage, bool, error)
	Conversation(ctx context.Context, a, b string, cursor storage.Cursor, limit int) ([]storage.DirectMessage, error)
	MarkSeen(ctx context.Context, from, to string) (int64, error)
}

// DirectMessenger persists one-to-one messages and drives read receipts.
type DirectMessenger struct {
	store     DirectStore
	broadcast Broadcaster
	log       *slog.Logger
	metrics   *Metrics
	maxLength int
	now       func() time.Time
}

func NewDirectMessenger(store DirectStore, broadcast Broadcaster, metrics *Metrics, log *slog.Logger, maxLength int) *DirectMessenger {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageBytes
	}
	return &DirectMessenger{
		store:     store,
		broadcast: broadcast,
		log:       log,
		metrics:   metrics,
		maxLength: maxLength,
		now:       time.Now,
	}
}

// Send persists a message from -> to and emits directMessage to both participants' rooms.
func (d *DirectMessenger) Send(ctx context.Context, from, to, text, id string) (storage.DirectMessage, error) {
	text, err := normalizeText(text, d.maxLength)
	if err != nil {
		return storage.DirectMessage{}, err
	}
	if from == to {
		return storage.DirectMessage{}, ValidationError("cannot send a direct message to yourself")
	}
	exists, err := d.store.UserExists(ctx, to)
	if err != nil {
		return storage.DirectMessage{}, internalError("look up recipient", err)
	}
	if !exists {
		return storage.DirectMessage{}, ValidationError("unknown recipient %q", to)
	}
	if id == "" {
		id = uuid.NewString()
	}
	stored, created, err := d.store.InsertDirectMessage(ctx, storage.DirectMessage{
		ID:        id,
		From:      from,
		To:        to,
		Text:      text,
		CreatedAt: d.now().UTC(),
	})
	if err != nil {
		return storage.DirectMessage{}, internalError("persist direct message", err)
	}
	if !created {
		if stored.From != from || stored.To != to {
			return storage.DirectMessage{}, ValidationError("message id %s already used", id)
		}
		return stored, nil
	}
	d.metrics.IncDirectMessage()
	evt := Outbound{Type: EventDirectMessage, Data: DirectMessagePayload{Message: stored}}
	d.broadcast.Emit(userRoom(from), evt)
	d.broadcast.Emit(userRoom(to), evt)
	return stored, nil
}

// OpenConversation returns a page of the viewer's conversation with other, newest first,
// and marks other's unseen messages to the viewer as seen.
func (d *DirectMessenger) OpenConversation(ctx context.Context, viewer, other string, cursor storage.Cursor, limit int) ([]storage.DirectMessage, error) {
	if viewer == other {
		return nil, ValidationError("cannot open a conversation with yourself")
	}
	if _, err := d.MarkSeen(ctx, viewer, other); err != nil {
		return nil, err
	}
	page, err := d.store.Conversation(ctx, viewer, other, cursor, clampLimit(limit))
	if err != nil {
		return nil, internalError("load conversation", err)
	}
	return page, nil
}

// MarkSeen flips every unseen message other -> viewer and, when any flipped, notifies both
// participants with messagesSeen.
func (d *DirectMessenger) MarkSeen(ctx context.Context, viewer, other string) (int, error) {
	flipped, err := d.store.MarkSeen(ctx, other, viewer)
	if err != nil {
		return 0, internalError("mark messages seen", err)
	}
	if flipped == 0 {
		return 0, nil
	}
	evt := Outbound{Type: EventMessagesSeen, Data: MessagesSeenPayload{From: other, By: viewer, Count: int(flipped)}}
	d.broadcast.Emit(userRoom(other), evt)
	d.broadcast.Emit(userRoom(viewer), evt)
	d.log.Debug("messages seen", "from", other, "by", viewer, "count", flipped)
	return int(flipped), nil
}
