package internal

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"dashchat/internal/storage"
)

const (
	DefaultHistoryLimit    = 20
	MaxHistoryLimit        = 100
	DefaultMaxMessageBytes = 4000
)

// ChannelStore is the durable side of the channel router.
type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (*storage.Channel, error)
	IsChannelMember(ctx context.Context, channelID, username string) (bool, error)
	InsertChannelMessage(ctx context.Context, msg storage.ChannelMessage) (storage.ChannelMessage, bool, error)
	GetChannelMessage(ctx context.Context, id string) (*storage.ChannelMessage, error)
	UpdateChannelMessageText(ctx context.Context, id, text string, editedAt time.Time) error
	DeleteChannelMessage(ctx context.Context, id string) error
	ChannelHistory(ctx context.Context, channelID string, cursor storage.Cursor, limit int) ([]storage.ChannelMessage, error)
}

// Broadcaster fans an event out to the connections joined to a room key.
type Broadcaster interface {
	Emit(key string, evt Outbound) int
	EmitAll(evt Outbound) int
}

type ChannelRouterOptions struct {
	MaxMessageLength  int
	RequireMembership bool
	Now               func() time.Time
}

// ChannelRouter validates, persists and fans out channel messages.
type ChannelRouter struct {
	store             ChannelStore
	broadcast         Broadcaster
	log               *slog.Logger
	metrics           *Metrics
	maxLength         int
	requireMembership bool
	now               func() time.Time
}

func NewChannelRouter(store ChannelStore, broadcast Broadcaster, metrics *Metrics, log *slog.Logger, opts ChannelRouterOptions) *ChannelRouter {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = DefaultMaxMessageBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ChannelRouter{
		store:             store,
		broadcast:         broadcast,
		log:               log,
		metrics:           metrics,
		maxLength:         opts.MaxMessageLength,
		requireMembership: opts.RequireMembership,
		now:               opts.Now,
	}
}

// Post persists a message and emits channelMessage to the channel room. A non-empty id that
// was already stored returns the stored message without a second fan-out.
func (r *ChannelRouter) Post(ctx context.Context, sender, channelID, text, id string) (storage.ChannelMessage, error) {
	text, err := normalizeText(text, r.maxLength)
	if err != nil {
		return storage.ChannelMessage{}, err
	}
	if err := r.checkAccess(ctx, Identity{Name: sender}, channelID); err != nil {
		return storage.ChannelMessage{}, err
	}
	if id == "" {
		id = uuid.NewString()
	}
	stored, created, err := r.store.InsertChannelMessage(ctx, storage.ChannelMessage{
		ID:        id,
		ChannelID: channelID,
		Sender:    sender,
		Text:      text,
		CreatedAt: r.now().UTC(),
	})
	if err != nil {
		return storage.ChannelMessage{}, internalError("persist channel message", err)
	}
	if !created {
		if stored.ChannelID != channelID || stored.Sender != sender {
			return storage.ChannelMessage{}, ValidationError("message id %s already used", id)
		}
		return stored, nil
	}
	r.metrics.IncChannelMessage()
	delivered := r.broadcast.Emit(channelRoom(channelID), Outbound{Type: EventChannelMessage, Data: ChannelMessagePayload{Message: stored}})
	r.log.Debug("channel message posted", "channel", channelID, "sender", sender, "id", stored.ID, "delivered", delivered)
	return stored, nil
}

// History returns one page of channel history, newest first. limit is clamped to
// [1, MaxHistoryLimit]; zero selects DefaultHistoryLimit. When membership is required the
// viewer must be a member or elevated.
func (r *ChannelRouter) History(ctx context.Context, viewer Identity, channelID string, cursor storage.Cursor, limit int) ([]storage.ChannelMessage, error) {
	if err := r.checkAccess(ctx, viewer, channelID); err != nil {
		return nil, err
	}
	page, err := r.store.ChannelHistory(ctx, channelID, cursor, clampLimit(limit))
	if err != nil {
		return nil, internalError("load channel history", err)
	}
	return page, nil
}

// Edit replaces the text of a message. Only its author or an elevated identity may edit.
func (r *ChannelRouter) Edit(ctx context.Context, actor Identity, messageID, text string) (storage.ChannelMessage, error) {
	text, err := normalizeText(text, r.maxLength)
	if err != nil {
		return storage.ChannelMessage{}, err
	}
	msg, err := r.authorize(ctx, actor, messageID)
	if err != nil {
		return storage.ChannelMessage{}, err
	}
	editedAt := r.now().UTC()
	if err := r.store.UpdateChannelMessageText(ctx, messageID, text, editedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ChannelMessage{}, NotFoundError("message %s not found", messageID)
		}
		return storage.ChannelMessage{}, internalError("edit channel message", err)
	}
	edited := time.UnixMilli(editedAt.UnixMilli()).UTC()
	msg.Text = text
	msg.EditedAt = &edited
	r.broadcast.Emit(channelRoom(msg.ChannelID), Outbound{Type: EventChannelMessageEdited, Data: ChannelMessagePayload{Message: *msg}})
	return *msg, nil
}

// Delete removes a message. Only its author or an elevated identity may delete.
func (r *ChannelRouter) Delete(ctx context.Context, actor Identity, messageID string) error {
	msg, err := r.authorize(ctx, actor, messageID)
	if err != nil {
		return err
	}
	if err := r.store.DeleteChannelMessage(ctx, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NotFoundError("message %s not found", messageID)
		}
		return internalError("delete channel message", err)
	}
	r.broadcast.Emit(channelRoom(msg.ChannelID), Outbound{
		Type: EventChannelMessageDeleted,
		Data: ChannelMessageDeletedPayload{ID: msg.ID, ChannelID: msg.ChannelID},
	})
	return nil
}

// CanJoin reports whether identity may subscribe to the channel's room.
func (r *ChannelRouter) CanJoin(ctx context.Context, identity, channelID string) error {
	return r.checkAccess(ctx, Identity{Name: identity}, channelID)
}

func (r *ChannelRouter) checkAccess(ctx context.Context, identity Identity, channelID string) error {
	channel, err := r.store.GetChannel(ctx, channelID)
	if err != nil {
		return internalError("load channel", err)
	}
	if channel == nil {
		return ValidationError("unknown channel %q", channelID)
	}
	if !r.requireMembership || identity.Elevated() {
		return nil
	}
	member, err := r.store.IsChannelMember(ctx, channelID, identity.Name)
	if err != nil {
		return internalError("check channel membership", err)
	}
	if !member {
		return ForbiddenError("%s is not a member of %s", identity.Name, channelID)
	}
	return nil
}

func (r *ChannelRouter) authorize(ctx context.Context, actor Identity, messageID string) (*storage.ChannelMessage, error) {
	msg, err := r.store.GetChannelMessage(ctx, messageID)
	if err != nil {
		return nil, internalError("load channel message", err)
	}
	if msg == nil {
		return nil, NotFoundError("message %s not found", messageID)
	}
	if msg.Sender != actor.Name && !actor.Elevated() {
		return nil, ForbiddenError("%s may not modify message %s", actor.Name, messageID)
	}
	return msg, nil
}

func normalizeText(text string, maxLength int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ValidationError("message text is empty")
	}
	if utf8.RuneCountInString(text) > maxLength {
		return "", ValidationError("message text exceeds %d characters", maxLength)
	}
	return text, nil
}

func clampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultHistoryLimit
	case limit < 1:
		return 1
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}
