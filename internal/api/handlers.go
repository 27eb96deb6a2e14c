package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/flickchat/internal/conversation"
	"github.com/npezzotti/flickchat/internal/database"
	"github.com/npezzotti/flickchat/internal/server"
	"github.com/npezzotti/flickchat/internal/share"
	"github.com/npezzotti/flickchat/internal/types"
	"github.com/npezzotti/flickchat/internal/unread"
)

type SendMessageRequest struct {
	Text string `json:"text"`
}

type ShareRequest struct {
	Draft string `json:"draft"`
}

func (s *FlickChatApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *FlickChatApp) writeError(w http.ResponseWriter, err error) {
	errResp := errorFromErr(err)
	if errResp.StatusCode == http.StatusInternalServerError {
		s.log.Println(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *FlickChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// session records the signed-in user. It is safe to call on every sign in.
func (s *FlickChatApp) session(w http.ResponseWriter, r *http.Request) {
	id, ok := CurrentIdentity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	user, err := s.db.UpsertUser(r.Context(), database.UpsertUserParams{
		Uid:      id.Uid,
		Username: id.Name,
		PhotoURL: id.Picture,
	})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, server.ToUser(user))
}

// contacts lists every other user with presence and unread state, unread
// contacts first. Unread flags come from a single latest-message query. The
// optional q parameter keeps users whose name contains it, ignoring case.
func (s *FlickChatApp) contacts(w http.ResponseWriter, r *http.Request) {
	id, ok := CurrentIdentity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUsers, err := s.db.ListUsers(r.Context(), id.Uid)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	latest, err := s.db.LatestMessagesForUser(r.Context(), id.Uid)
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	unreadByContact := make(map[string]bool, len(latest))
	for _, dbMsg := range latest {
		a, b, err := conversation.Participants(dbMsg.ConversationId)
		if err != nil {
			continue
		}
		contactUid := a
		if a == id.Uid {
			contactUid = b
		}
		msg := server.ToMessage(dbMsg)
		unreadByContact[contactUid] = unread.IsUnread(&msg, id.Uid)
	}

	users := make([]types.User, 0, len(dbUsers))
	for _, u := range dbUsers {
		users = append(users, server.ToUser(u))
	}
	users = unread.MatchName(users, r.URL.Query().Get("q"))

	s.writeJson(w, http.StatusOK, unread.BuildContacts(users, unreadByContact, s.cs.Presence().LabelFor))
}

func (s *FlickChatApp) heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := CurrentIdentity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.cs.Presence().Heartbeat(r.Context(), id.Uid)
	w.WriteHeader(http.StatusNoContent)
}

// conversationWith resolves the conversation between the caller and the
// contact named in the path.
func (s *FlickChatApp) conversationWith(w http.ResponseWriter, r *http.Request) (Identity, string, bool) {
	id, ok := CurrentIdentity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return Identity{}, "", false
	}

	contactUid := r.PathValue("uid")
	if err := conversation.ValidateUid(contactUid); err != nil || contactUid == id.Uid {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return Identity{}, "", false
	}

	return id, conversation.Resolve(id.Uid, contactUid), true
}

func (s *FlickChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	_, convId, ok := s.conversationWith(w, r)
	if !ok {
		return
	}

	msgs, err := s.cs.Messages(r.Context(), convId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, msgs)
}

func (s *FlickChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	id, convId, ok := s.conversationWith(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.cs.Send(r.Context(), server.SendParams{
		ConversationId: convId,
		Sender:         id.User(),
		Text:           req.Text,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *FlickChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	id, convId, ok := s.conversationWith(w, r)
	if !ok {
		return
	}

	if err := s.cs.MarkRead(r.Context(), convId, id.Uid); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *FlickChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id, convId, ok := s.conversationWith(w, r)
	if !ok {
		return
	}

	if err := s.cs.SoftDelete(r.Context(), convId, r.PathValue("id"), id.Uid); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// shareContent sends the content named in the query string to the target
// user once. Repeated calls with the same parameters send nothing.
func (s *FlickChatApp) shareContent(w http.ResponseWriter, r *http.Request) {
	id, ok := CurrentIdentity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	var req ShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	params, complete := share.ParseParams(r.URL.Query())

	var target *types.User
	if complete && conversation.ValidateUid(params.TargetUid) == nil {
		dbUser, err := s.db.GetUser(r.Context(), params.TargetUid)
		switch {
		case err == nil:
			u := server.ToUser(dbUser)
			target = &u
		case !errors.Is(err, sql.ErrNoRows):
			errResp := NewInternalServerError(err)
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}
	}

	res, err := s.injector.MaybeInject(r.Context(), share.Request{
		Params:      params,
		CurrentUser: id.User(),
		Target:      target,
		Draft:       req.Draft,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.Message != nil {
		status = http.StatusCreated
	}
	s.writeJson(w, status, res)
}

func (s *FlickChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := CurrentIdentity(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	dbUser, err := s.db.UpsertUser(r.Context(), database.UpsertUserParams{
		Uid:      id.Uid,
		Username: id.Name,
		PhotoURL: id.Picture,
	})
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(server.ToUser(dbUser), conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
