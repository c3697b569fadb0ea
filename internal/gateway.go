package internal

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Directory answers whether an identity exists.
type Directory interface {
	UserExists(ctx context.Context, username string) (bool, error)
}

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

type GatewayOptions struct {
	StoreTimeout time.Duration
	SendBuffer   int
	// MessageBurst caps message events per connection within MessageWindow; zero disables it.
	MessageBurst  int
	MessageWindow time.Duration
	RequireToken  bool
	Now           func() time.Time
}

// Gateway accepts websocket connections, binds them to identities and dispatches their
// events to the channel router and the direct messenger.
type Gateway struct {
	hub       *Hub
	presence  *PresenceTracker
	channels  *ChannelRouter
	direct    *DirectMessenger
	directory Directory
	verifier  TokenVerifier
	metrics   *Metrics
	log       *slog.Logger
	opts      GatewayOptions

	// presenceMu keeps a presence transition and its broadcast in one step, so observers
	// never see online/offline out of order.
	presenceMu sync.Mutex
}

func NewGateway(hub *Hub, presence *PresenceTracker, channels *ChannelRouter, direct *DirectMessenger, directory Directory, verifier TokenVerifier, metrics *Metrics, log *slog.Logger, opts GatewayOptions) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.MessageWindow <= 0 {
		opts.MessageWindow = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Gateway{
		hub:       hub,
		presence:  presence,
		channels:  channels,
		direct:    direct,
		directory: directory,
		verifier:  verifier,
		metrics:   metrics,
		log:       log,
		opts:      opts,
	}
}

// ServeWS upgrades the request and starts the connection's pumps. The connection stays
// anonymous until it sends register.
func (g *Gateway) ServeWS(writer http.ResponseWriter, request *http.Request) {
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "remote", request.RemoteAddr, "err", err)
		return
	}
	client := newClient(conn, g.opts.SendBuffer)
	g.attach(client)
	g.log.Debug("websocket connected", "conn", client.id, "remote", request.RemoteAddr)

	// the request context ends with the handler, so the connection gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	go client.writePump()
	go func() {
		defer cancel()
		client.readPump(ctx, g)
	}()
}

// CloseAll asks every live connection to close; their read pumps run the disconnect path.
func (g *Gateway) CloseAll() {
	g.hub.closeAll()
}

func (g *Gateway) attach(client *Client) {
	g.hub.attach(client)
	g.metrics.IncConn()
}

func (g *Gateway) handle(ctx context.Context, client *Client, payload []byte) {
	evt, err := decodeInbound(payload)
	if err != nil {
		g.drop(client, "malformed event", err)
		return
	}
	if _, ok := evt.(*RegisterEvent); !ok && client.identity == "" {
		g.drop(client, "event before register", nil)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, g.opts.StoreTimeout)
	defer cancel()

	switch e := evt.(type) {
	case *RegisterEvent:
		err = g.onRegister(ctx, client, e)
	case *JoinChannelEvent:
		err = g.onJoinChannel(ctx, client, e)
	case *LeaveChannelEvent:
		g.hub.leave(channelRoom(e.ChannelID), client)
	case *PostChannelMessageEvent:
		if !client.allowMessage(g.opts.Now(), g.opts.MessageBurst, g.opts.MessageWindow) {
			err = ValidationError("message rate exceeded")
			break
		}
		_, err = g.channels.Post(ctx, client.identity, e.ChannelID, e.Text, e.ID)
	case *SendDirectMessageEvent:
		if e.From != "" && e.From != client.identity {
			err = ForbiddenError("cannot send as %s", e.From)
			break
		}
		if !client.allowMessage(g.opts.Now(), g.opts.MessageBurst, g.opts.MessageWindow) {
			err = ValidationError("message rate exceeded")
			break
		}
		_, err = g.direct.Send(ctx, client.identity, e.To, e.Text, e.ID)
	case *MarkSeenEvent:
		_, err = g.direct.MarkSeen(ctx, client.identity, e.With)
	}
	if err != nil {
		g.drop(client, "event rejected", err)
	}
}

func (g *Gateway) onRegister(ctx context.Context, client *Client, evt *RegisterEvent) error {
	if client.identity != "" {
		if client.identity == evt.Identity {
			return nil
		}
		return ValidationError("connection already registered as %s", client.identity)
	}
	if g.verifier != nil && (g.opts.RequireToken || evt.Token != "") {
		if evt.Token == "" {
			return UnauthorizedError("token required")
		}
		identity, err := g.verifier.Verify(evt.Token)
		if err != nil {
			return err
		}
		if identity.Name != evt.Identity {
			return UnauthorizedError("token does not belong to %s", evt.Identity)
		}
	}
	exists, err := g.directory.UserExists(ctx, evt.Identity)
	if err != nil {
		return internalError("look up identity", err)
	}
	if !exists {
		return ValidationError("unknown identity %q", evt.Identity)
	}

	client.identity = evt.Identity
	g.hub.join(userRoom(evt.Identity), client)

	g.presenceMu.Lock()
	if g.presence.Connect(evt.Identity) {
		g.hub.EmitAll(Outbound{Type: EventUserOnline, Data: UserOnlinePayload{Identity: evt.Identity}})
	}
	g.presenceMu.Unlock()

	g.hub.emitTo(client, Outbound{Type: EventPresence, Data: PresencePayload{Online: g.presence.Snapshot()}})
	g.log.Info("connection registered", "conn", client.id, "identity", evt.Identity)
	return nil
}

func (g *Gateway) onJoinChannel(ctx context.Context, client *Client, evt *JoinChannelEvent) error {
	if err := g.channels.CanJoin(ctx, client.identity, evt.ChannelID); err != nil {
		return err
	}
	g.hub.join(channelRoom(evt.ChannelID), client)
	return nil
}

func (g *Gateway) onDisconnect(client *Client) {
	g.hub.detach(client)
	g.metrics.DecConn()
	if client.identity == "" {
		return
	}
	g.presenceMu.Lock()
	defer g.presenceMu.Unlock()
	if g.presence.Disconnect(client.identity) {
		g.hub.EmitAll(Outbound{
			Type: EventUserOffline,
			Data: UserOfflinePayload{Identity: client.identity, LastSeen: g.opts.Now().UTC()},
		})
	}
	g.log.Info("connection closed", "conn", client.id, "identity", client.identity)
}

func (g *Gateway) drop(client *Client, reason string, err error) {
	g.metrics.IncDroppedEvent()
	args := []any{"conn", client.id, "identity", client.identity}
	if err != nil {
		args = append(args, "kind", KindOf(err), "err", err)
	}
	g.log.Warn(reason, args...)
}
