package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"

	"dashchat/internal/storage"
)

type credentialsRequest struct {
	Username string `json:"username" validate:"required,max=64,excludesall=:/"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type createChannelRequest struct {
	ID   string `json:"id" validate:"required,max=64,excludesall=:/"`
	Name string `json:"name" validate:"required,max=128"`
}

type addMemberRequest struct {
	Identity string `json:"identity" validate:"required,max=64"`
}

type editMessageRequest struct {
	Text string `json:"text" validate:"required"`
}

type channelHistoryResponse struct {
	Messages []storage.ChannelMessage `json:"messages"`
}

type conversationResponse struct {
	Messages []storage.DirectMessage `json:"messages"`
}

type unreadResponse struct {
	Unread map[string]int `json:"unread"`
	Total  int            `json:"total"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.Allow(s.clientIP(r)) {
		writeStatus(w, http.StatusTooManyRequests, "RATE_LIMITED", http.StatusText(http.StatusTooManyRequests))
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		writeError(w, ValidationError("username must not be blank"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, internalError("hash password", err))
		return
	}
	role := storage.RoleMember
	if _, ok := s.admins[username]; ok {
		role = storage.RoleAdmin
	}
	if _, err := s.store.CreateUser(r.Context(), username, hash, role); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeStatus(w, http.StatusConflict, "CONFLICT", "username already taken")
			return
		}
		writeError(w, internalError("create user", err))
		return
	}
	s.metrics.IncSignup()
	s.log.Info("user signed up", "username", username, "role", role)
	writeJSON(w, http.StatusCreated, map[string]string{"username": username, "role": role})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.Allow(s.clientIP(r)) {
		writeStatus(w, http.StatusTooManyRequests, "RATE_LIMITED", http.StatusText(http.StatusTooManyRequests))
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		writeError(w, internalError("load user", err))
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(req.Password)) != nil {
		writeError(w, UnauthorizedError("invalid credentials"))
		return
	}
	token, expiresAt, err := s.tokens.Issue(Identity{Name: user.Username, Role: user.Role})
	if err != nil {
		writeError(w, internalError("issue token", err))
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Username: user.Username, Role: user.Role, ExpiresAt: expiresAt})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeStatus(w, http.StatusServiceUnavailable, string(KindInternal), "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) HandleListChannels(w http.ResponseWriter, r *http.Request, _ Identity) {
	channels, err := s.store.ListChannels(r.Context())
	if err != nil {
		writeError(w, internalError("list channels", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) HandleCreateChannel(w http.ResponseWriter, r *http.Request, caller Identity) {
	var req createChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreateChannel(r.Context(), req.ID, strings.TrimSpace(req.Name), caller.Name); err != nil {
		if errors.Is(err, storage.ErrChannelExists) {
			writeStatus(w, http.StatusConflict, "CONFLICT", "channel already exists")
			return
		}
		writeError(w, internalError("create channel", err))
		return
	}
	channel, err := s.store.GetChannel(r.Context(), req.ID)
	if err != nil || channel == nil {
		writeError(w, internalError("load channel", err))
		return
	}
	writeJSON(w, http.StatusCreated, channel)
}

func (s *Server) HandleAddChannelMember(w http.ResponseWriter, r *http.Request, caller Identity) {
	channelID := mux.Vars(r)["id"]
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	channel, err := s.store.GetChannel(r.Context(), channelID)
	if err != nil {
		writeError(w, internalError("load channel", err))
		return
	}
	if channel == nil {
		writeError(w, NotFoundError("channel %s not found", channelID))
		return
	}
	if !caller.Elevated() {
		member, err := s.store.IsChannelMember(r.Context(), channelID, caller.Name)
		if err != nil {
			writeError(w, internalError("check channel membership", err))
			return
		}
		if !member {
			writeError(w, ForbiddenError("only members can add members to %s", channelID))
			return
		}
	}
	exists, err := s.store.UserExists(r.Context(), req.Identity)
	if err != nil {
		writeError(w, internalError("look up identity", err))
		return
	}
	if !exists {
		writeError(w, ValidationError("unknown identity %q", req.Identity))
		return
	}
	if err := s.store.AddChannelMember(r.Context(), channelID, req.Identity); err != nil {
		writeError(w, internalError("add channel member", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleChannelHistory(w http.ResponseWriter, r *http.Request, caller Identity) {
	cursor, limit, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.channels.History(r.Context(), caller, mux.Vars(r)["id"], cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, channelHistoryResponse{Messages: page})
}

func (s *Server) HandleEditMessage(w http.ResponseWriter, r *http.Request, caller Identity) {
	var req editMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.channels.Edit(r.Context(), caller, mux.Vars(r)["id"], req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) HandleDeleteMessage(w http.ResponseWriter, r *http.Request, caller Identity) {
	if err := s.channels.Delete(r.Context(), caller, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleConversation(w http.ResponseWriter, r *http.Request, caller Identity) {
	cursor, limit, err := parsePage(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.direct.OpenConversation(r.Context(), caller.Name, mux.Vars(r)["identity"], cursor, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Messages: page})
}

func (s *Server) HandleMarkSeen(w http.ResponseWriter, r *http.Request, caller Identity) {
	count, err := s.direct.MarkSeen(r.Context(), caller.Name, mux.Vars(r)["identity"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) HandleUnread(w http.ResponseWriter, r *http.Request, caller Identity) {
	counts, err := s.unread.Counts(r.Context(), caller.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{Unread: counts, Total: lo.Sum(lo.Values(counts))})
}

// HandlePresence answers ?users=a,b with a map of online flags; without the parameter it
// lists every online identity.
func (s *Server) HandlePresence(w http.ResponseWriter, r *http.Request, _ Identity) {
	raw := r.URL.Query().Get("users")
	if raw == "" {
		writeJSON(w, http.StatusOK, PresencePayload{Online: s.presence.Snapshot()})
		return
	}
	users := lo.Uniq(lo.Compact(lo.Map(strings.Split(raw, ","), func(name string, _ int) string {
		return strings.TrimSpace(name)
	})))
	online := lo.SliceToMap(users, func(name string) (string, bool) {
		return name, s.presence.Online(name)
	})
	writeJSON(w, http.StatusOK, map[string]any{"online": online})
}

// parsePage reads before (RFC 3339 or unix milliseconds), beforeSeq and limit.
func parsePage(r *http.Request) (storage.Cursor, int, error) {
	query := r.URL.Query()
	var cursor storage.Cursor
	if raw := query.Get("before"); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cursor.Before = time.UnixMilli(ms).UTC()
		} else {
			before, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				return storage.Cursor{}, 0, ValidationError("invalid before cursor %q", raw)
			}
			cursor.Before = before.UTC()
		}
	}
	if raw := query.Get("beforeSeq"); raw != "" {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || seq < 0 {
			return storage.Cursor{}, 0, ValidationError("invalid beforeSeq %q", raw)
		}
		cursor.BeforeSeq = seq
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return storage.Cursor{}, 0, ValidationError("invalid limit %q", raw)
		}
		limit = n
	}
	return cursor, limit, nil
}

// decodeJSON decodes a strict JSON body and validates it.
func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return &Error{Kind: KindValidation, Message: "invalid request body", Cause: err}
	}
	if err := validate.Struct(out); err != nil {
		return &Error{Kind: KindValidation, Message: "invalid request", Cause: err}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeError maps an error kind onto its HTTP status. Internal causes are not echoed.
func writeError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	message := err.Error()
	if kind == KindInternal {
		message = "internal error"
	}
	writeStatus(w, statusForKind(kind), string(kind), message)
}
