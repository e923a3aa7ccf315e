// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/intergalactic-relay/pkg/config"
	"github.com/aiku/intergalactic-relay/pkg/relay"
)

func TestHTTPToWS(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in, want string
	}{
		{"https://mm.example.com", "wss://mm.example.com"},
		{"http://localhost:8065", "ws://localhost:8065"},
		{"ws://already", "ws://already"},
	}
	for _, tt := range tests {
		if got := httpToWS(tt.in); got != tt.want {
			t.Errorf("httpToWS(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsRelayIdentity(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdapter("http://localhost:1", config.MattermostConfig{})
	if !a.IsRelayIdentity("relay-bot") {
		t.Error("bot account should be a relay identity")
	}
	if a.IsRelayIdentity("alice") {
		t.Error("alice should not be a relay identity")
	}
	a.setSelf("", "")
	if a.IsRelayIdentity("") {
		t.Error("an empty id never matches before login")
	}
}

func TestStartFailsWithBadToken(t *testing.T) {
	t.Parallel()
	mm := newFakeMM()
	defer mm.Close()

	a := New(config.MattermostConfig{ServerURL: mm.Server.URL, Token: "wrong"}, zerolog.Nop())
	if err := a.Start(context.Background(), &recordingSink{}); err == nil {
		t.Fatal("expected error for an invalid token")
	}
}

func TestHandlePosted(t *testing.T) {
	t.Parallel()
	mm := newFakeMM()
	defer mm.Close()
	mm.Users["alice-id"] = &model.User{Id: "alice-id", Username: "alice", Nickname: "Ally"}

	a, sink := newTestAdapter(mm.Server.URL, config.MattermostConfig{})
	a.handleEvent(postEvent(model.WebsocketEventPosted, &model.Post{
		Id:        "p1",
		ChannelId: "ch1",
		UserId:    "alice-id",
		Message:   "hello",
		FileIds:   []string{"f1"},
	}, "@alice"))

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	created, ok := events[0].(relay.MessageCreated)
	if !ok {
		t.Fatalf("expected MessageCreated, got %T", events[0])
	}
	msg := created.Message
	if msg.ID != "p1" || msg.ChannelID != "ch1" || msg.Content != "hello" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Author.Name != "Ally" {
		t.Errorf("author name: got %q, want Ally", msg.Author.Name)
	}
	if msg.Author.AvatarURL != mm.Server.URL+"/api/v4/users/alice-id/image" {
		t.Errorf("avatar: got %q", msg.Author.AvatarURL)
	}
	if msg.Link != mm.Server.URL+"/_redirect/pl/p1" {
		t.Errorf("link: got %q", msg.Link)
	}
	if len(msg.Attachments) != 1 || msg.Attachments[0].URL != mm.Server.URL+"/api/v4/files/f1" {
		t.Errorf("attachments: got %+v", msg.Attachments)
	}

	// The user lookup is cached.
	a.handleEvent(postEvent(model.WebsocketEventPosted, &model.Post{
		Id: "p2", ChannelId: "ch1", UserId: "alice-id", Message: "again",
	}, "@alice"))
	if n := len(mm.CallsTo("GET", "/api/v4/users/alice-id")); n != 1 {
		t.Errorf("expected 1 user lookup, got %d", n)
	}
}

func TestHandlePosted_ReplyQuotesThreadRoot(t *testing.T) {
	t.Parallel()
	mm := newFakeMM()
	defer mm.Close()
	mm.Users["alice-id"] = &model.User{Id: "alice-id", Username: "alice"}
	mm.Users["bob-id"] = &model.User{Id: "bob-id", Username: "bob"}
	mm.Posts["root"] = &model.Post{Id: "root", ChannelId: "ch1", UserId: "bob-id", Message: "question?"}

	a, sink := newTestAdapter(mm.Server.URL, config.MattermostConfig{})
	a.handleEvent(postEvent(model.WebsocketEventPosted, &model.Post{
		Id: "p1", ChannelId: "ch1", UserId: "alice-id", Message: "answer", RootId: "root",
	}, ""))

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ref := events[0].(relay.MessageCreated).Message.ReferencedMessage
	if ref == nil {
		t.Fatal("expected a referenced message")
	}
	if ref.Content != "question?" || ref.Author.Name != "bob" {
		t.Errorf("unexpected reference: %+v", ref)
	}
}

func TestHandlePosted_UnknownUserFallsBackToSenderName(t *testing.T) {
	t.Parallel()
	mm := newFakeMM()
	defer mm.Close()

	a, sink := newTestAdapter(mm.Server.URL, config.MattermostConfig{})
	a.handleEvent(postEvent(model.WebsocketEventPosted, &model.Post{
		Id: "p1", ChannelId: "ch1", UserId: "ghost", Message: "boo",
	}, "@casper"))

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if name := events[0].(relay.MessageCreated).Message.Author.Name; name != "casper" {
		t.Errorf("author name: got %q, want casper", name)
	}
}

func TestEchoPrevention(t *testing.T) {
	t.Parallel()
	relayed := &model.Post{Id: "p4", ChannelId: "ch1", UserId: "other-relay", Message: "x"}
	relayed.AddProp(relayMarkerProp, true)

	tests := []struct {
		name   string
		post   *model.Post
		sender string
	}{
		{"own post", &model.Post{Id: "p1", ChannelId: "ch1", UserId: "relay-bot", Message: "x"}, "@relay"},
		{"system post", &model.Post{Id: "p2", ChannelId: "ch1", UserId: "alice-id", Type: model.PostTypeJoinChannel}, "@alice"},
		{"bridge prefix", &model.Post{Id: "p3", ChannelId: "ch1", UserId: "bridge-id", Message: "x"}, "@bridge_bob"},
		{"relay marker", relayed, "@someone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, sink := newTestAdapter("http://localhost:1", config.MattermostConfig{BotPrefix: "bridge_"})
			for _, typ := range []model.WebsocketEventType{
				model.WebsocketEventPosted,
				model.WebsocketEventPostEdited,
				model.WebsocketEventPostDeleted,
			} {
				a.handleEvent(postEvent(typ, tt.post, tt.sender))
			}
			if n := len(sink.Events()); n != 0 {
				t.Errorf("expected no events, got %d", n)
			}
		})
	}
}

func TestHandleEditAndDelete(t *testing.T) {
	t.Parallel()
	a, sink := newTestAdapter("http://localhost:1", config.MattermostConfig{})
	post := &model.Post{Id: "p1", ChannelId: "ch1", UserId: "alice-id", Message: "edited"}

	a.handleEvent(postEvent(model.WebsocketEventPostEdited, post, "@alice"))
	a.handleEvent(postEvent(model.WebsocketEventPostDeleted, post, "@alice"))
	a.handleEvent(newWebSocketEvent(model.WebsocketEventTyping, "ch1", map[string]any{"user_id": "alice-id"}))
	a.handleEvent(newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{"post": "{not json"}))
	a.handleEvent(newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{}))

	events := sink.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if got, want := events[0], (relay.MessageEdited{MessageID: "p1", ChannelID: "ch1", Content: "edited"}); got != want {
		t.Errorf("edit event: got %+v, want %+v", got, want)
	}
	if got, want := events[1], (relay.MessageDeleted{MessageID: "p1", ChannelID: "ch1"}); got != want {
		t.Errorf("delete event: got %+v, want %+v", got, want)
	}
}

func TestGetOrCreateRelay(t *testing.T) {
	t.Parallel()
	mm := newFakeMM()
	defer mm.Close()
	mm.Channels["ch1"] = &model.Channel{Id: "ch1", Name: "town-square"}

	a, _ := newTestAdapter(mm.Server.URL, config.MattermostConfig{})
	ctx := context.Background()
	for range 2 {
		handle, err := a.GetOrCreateRelay(ctx, "ch1", "Relay")
		if err != nil {
			t.Fatalf("GetOrCreateRelay: %v", err)
		}
		if handle != (relay.RelayHandle{ID: "relay-bot", ChannelID: "ch1"}) {
			t.Errorf("unexpected handle: %+v", handle)
		}
	}
	if n := len(mm.CallsTo("GET", "/api/v4/channels/ch1")); n != 1 {
		t.Errorf("expected the channel to be checked once, got %d", n)
	}

	if _, err := a.GetOrCreateRelay(ctx, "missing", "Relay"); err == nil {
		t.Error("expected error for an unreadable channel")
	}
}

func TestGetOrCreateRelay_DuringStart(t *testing.T) {
	t.Parallel()
	mm := newFakeMM()
	defer mm.Close()
	mm.Users["relay-bot"] = &model.User{Id: "relay-bot", Username: "relay"}
	mm.TokenToUser["test-token"] = "relay-bot"
	mm.Channels["ch2"] = &model.Channel{Id: "ch2", Name: "off-topic"}

	a := New(config.MattermostConfig{ServerURL: mm.Server.URL, Token: "test-token"}, zerolog.Nop())
	ctx := context.Background()
	if _, err := a.GetOrCreateRelay(ctx, "ch2", "Relay"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted before Start, got %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The fake server has no WebSocket endpoint, so Start fails after
		// authenticating.
		_ = a.Start(ctx, &recordingSink{})
	}()
	for range 20 {
		if handle, err := a.GetOrCreateRelay(ctx, "ch2", "Relay"); err == nil && handle.ID != "relay-bot" {
			t.Errorf("relay handle without the bot id: %+v", handle)
		}
		_ = a.IsRelayIdentity("relay-bot")
	}
	<-done

	handle, err := a.GetOrCreateRelay(ctx, "ch2", "Relay")
	if err != nil {
		t.Fatalf("GetOrCreateRelay: %v", err)
	}
	if handle != (relay.RelayHandle{ID: "relay-bot", ChannelID: "ch2"}) {
		t.Errorf("unexpected handle: %+v", handle)
	}
	a.Stop()
}

func TestPostViaRelay(t *testing.T) {
	t.Parallel()
	mm := newFakeMM()
	defer mm.Close()

	a, _ := newTestAdapter(mm.Server.URL, config.MattermostConfig{})
	record, err := a.PostViaRelay(context.Background(), relay.RelayHandle{ID: "relay-bot", ChannelID: "ch2"}, relay.Post{
		Content:         "hi all",
		AuthorName:      "alice",
		AuthorAvatarURL: "https://cdn.example.com/a.png",
	})
	if err != nil {
		t.Fatalf("PostViaRelay: %v", err)
	}
	if record != (relay.DestinationRecord{ChannelID: "ch2", MessageID: "created-post-1", RelayID: "relay-bot"}) {
		t.Errorf("unexpected record: %+v", record)
	}

	calls := mm.CallsTo("POST", "/api/v4/posts")
	if len(calls) != 1 {
		t.Fatalf("expected 1 create call, got %d", len(calls))
	}
	var sent model.Post
	if err := json.Unmarshal([]byte(calls[0].Body), &sent); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if sent.ChannelId != "ch2" || sent.Message != "hi all" {
		t.Errorf("unexpected post: %+v", &sent)
	}
	if got := sent.GetProp("override_username"); got != "alice" {
		t.Errorf("override_username: got %v", got)
	}
	if got := sent.GetProp("override_icon_url"); got != "https://cdn.example.com/a.png" {
		t.Errorf("override_icon_url: got %v", got)
	}
	if got, _ := sent.GetProp(relayMarkerProp).(bool); !got {
		t.Error("relay marker prop should be set")
	}
}

func TestPostViaRelay_Error(t *testing.T) {
	t.Parallel()
	mm := newFakeMM()
	defer mm.Close()
	mm.FailEndpoints["/api/v4/posts"] = true

	a, _ := newTestAdapter(mm.Server.URL, config.MattermostConfig{})
	_, err := a.PostViaRelay(context.Background(), relay.RelayHandle{ChannelID: "ch2"}, relay.Post{Content: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestEditAndDeleteViaRelay(t *testing.T) {
	t.Parallel()
	mm := newFakeMM()
	defer mm.Close()

	a, _ := newTestAdapter(mm.Server.URL, config.MattermostConfig{})
	ctx := context.Background()
	record := relay.DestinationRecord{ChannelID: "ch2", MessageID: "r1", RelayID: "relay-bot"}

	if err := a.EditViaRelay(ctx, record, "new text"); err != nil {
		t.Fatalf("EditViaRelay: %v", err)
	}
	patches := mm.CallsTo("PUT", "/api/v4/posts/r1/patch")
	if len(patches) != 1 || !strings.Contains(patches[0].Body, `"new text"`) {
		t.Errorf("unexpected patch calls: %+v", patches)
	}

	if err := a.DeleteMessage(ctx, "ch2", "r1"); err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	if n := len(mm.CallsTo("DELETE", "/api/v4/posts/r1")); n != 1 {
		t.Errorf("expected 1 delete call, got %d", n)
	}

	mm.FailEndpoints["/api/v4/posts/"] = true
	if err := a.EditViaRelay(ctx, record, "x"); err == nil {
		t.Error("expected edit error")
	}
	if err := a.DeleteMessage(ctx, "ch2", "r1"); err == nil {
		t.Error("expected delete error")
	}
}

func TestReplicaAttachments(t *testing.T) {
	t.Parallel()
	if got := replicaAttachments(relay.Post{Content: "hi"}); len(got) != 0 {
		t.Errorf("plain post should have no attachments, got %+v", got)
	}

	got := replicaAttachments(relay.Post{
		Content:        "yes",
		AttachmentURLs: []string{"https://x/1.png", "https://x/doc.pdf"},
		Quote:          &relay.Quote{Excerpt: "really?", Link: "https://l", AuthorName: "bob", AuthorAvatarURL: "https://x/bob.png"},
	})
	if len(got) != 3 {
		t.Fatalf("expected 3 attachments, got %d", len(got))
	}
	if got[0].Text != "**[Reply to:](https://l)** really?" || got[0].AuthorName != "bob" || got[0].AuthorIcon != "https://x/bob.png" {
		t.Errorf("unexpected quote attachment: %+v", got[0])
	}
	if got[1].Title != "1.png" || got[1].TitleLink != "https://x/1.png" || got[1].ImageURL != "https://x/1.png" {
		t.Errorf("unexpected image attachment: %+v", got[1])
	}
	if got[2].Title != "doc.pdf" || got[2].ImageURL != "" {
		t.Errorf("unexpected file attachment: %+v", got[2])
	}
}

func TestEditViaRelay_KeepsQuoteAndAttachments(t *testing.T) {
	t.Parallel()
	mm := newFakeMM()
	defer mm.Close()

	a, _ := newTestAdapter(mm.Server.URL, config.MattermostConfig{})
	ctx := context.Background()
	record, err := a.PostViaRelay(ctx, relay.RelayHandle{ID: "relay-bot", ChannelID: "ch2"}, relay.Post{
		Content:        "see file",
		AuthorName:     "alice",
		AttachmentURLs: []string{"https://cdn/x.png"},
		Quote:          &relay.Quote{Excerpt: "original", AuthorName: "bob"},
	})
	if err != nil {
		t.Fatalf("PostViaRelay: %v", err)
	}

	calls := mm.CallsTo("POST", "/api/v4/posts")
	if len(calls) != 1 {
		t.Fatalf("expected 1 create call, got %d", len(calls))
	}
	var sent model.Post
	if err := json.Unmarshal([]byte(calls[0].Body), &sent); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if sent.Message != "see file" {
		t.Errorf("message should hold only the content, got %q", sent.Message)
	}
	if sent.Type != model.PostTypeSlackAttachment {
		t.Errorf("unexpected post type %q", sent.Type)
	}
	if n := len(sent.Attachments()); n != 2 {
		t.Errorf("expected quote and file attachments, got %d", n)
	}
	if got, _ := sent.GetProp(relayMarkerProp).(bool); !got {
		t.Error("relay marker prop should be set")
	}

	if err := a.EditViaRelay(ctx, record, "see file (typo fixed)"); err != nil {
		t.Fatalf("EditViaRelay: %v", err)
	}
	patches := mm.CallsTo("PUT", "/api/v4/posts/"+record.MessageID+"/patch")
	if len(patches) != 1 {
		t.Fatalf("expected 1 patch call, got %d", len(patches))
	}
	var patch model.PostPatch
	if err := json.Unmarshal([]byte(patches[0].Body), &patch); err != nil {
		t.Fatalf("unmarshal patch: %v", err)
	}
	if patch.Message == nil || *patch.Message != "see file (typo fixed)" {
		t.Errorf("unexpected patch message: %v", patch.Message)
	}
	if patch.Props != nil {
		t.Errorf("patch must not replace props: %v", *patch.Props)
	}
}
