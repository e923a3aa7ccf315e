// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/intergalactic-relay/pkg/config"
	"github.com/aiku/intergalactic-relay/pkg/relay"
)

// recordingSink captures relay events for test assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []relay.Event
}

func (s *recordingSink) HandlePlatformEvent(evt relay.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) Events() []relay.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]relay.Event, len(s.events))
	copy(cp, s.events)
	return cp
}

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// Posts maps post ID to model.Post for GetPost.
	Posts map[string]*model.Post
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool

	created int
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Channels:      make(map[string]*model.Channel),
		Posts:         make(map[string]*model.Post),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the calls with the given method whose path contains path.
func (f *fakeMM) CallsTo(method, path string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && strings.Contains(c.Path, path) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	// Check if this endpoint should fail.
	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		uid := path[len("/api/v4/users/"):]
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "user not found"})

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		if ch, ok := f.Channels[chID]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "channel not found"})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		f.created++
		post.Id = "created-post-" + strconv.Itoa(f.created)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	// PUT /api/v4/posts/{post_id}/patch
	case r.Method == "PUT" && strings.HasSuffix(path, "/patch"):
		_ = json.NewEncoder(w).Encode(&model.Post{Id: "patched"})

	// GET /api/v4/posts/{post_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/posts/"):
		postID := strings.TrimPrefix(path, "/api/v4/posts/")
		if p, ok := f.Posts[postID]; ok {
			_ = json.NewEncoder(w).Encode(p)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "post not found"})

	// DELETE /api/v4/posts/{post_id}
	case r.Method == "DELETE" && strings.HasPrefix(path, "/api/v4/posts/"):
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postEvent wraps a post the way the server sends it over the WebSocket.
func postEvent(eventType model.WebsocketEventType, post *model.Post, senderName string) *model.WebSocketEvent {
	raw, _ := json.Marshal(post)
	data := map[string]any{"post": string(raw)}
	if senderName != "" {
		data["sender_name"] = senderName
	}
	return newWebSocketEvent(eventType, post.ChannelId, data)
}

// newTestAdapter creates an Adapter talking to a fake server, logged in as
// "relay-bot", with a recording sink.
func newTestAdapter(serverURL string, cfg config.MattermostConfig) (*Adapter, *recordingSink) {
	cfg.ServerURL = serverURL
	cfg.Token = "test-token"
	if cfg.DisplaynameTemplate == "" {
		cfg.DisplaynameTemplate = "{{or .Nickname .Username}}"
	}
	full := &config.Config{Platform: config.PlatformMattermost, Mattermost: cfg}
	_ = full.PostProcess()

	a := New(full.Mattermost, zerolog.Nop())
	a.setSelf("relay-bot", "relay")
	sink := &recordingSink{}
	a.sink = sink
	a.ctx = context.Background()
	return a, sink
}
