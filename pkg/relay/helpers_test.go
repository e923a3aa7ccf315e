// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var errTransport = errors.New("transport failed")

// destCall records one call made against fakeDestination.
type destCall struct {
	Method    string
	ChannelID string
	MessageID string
	Content   string
}

// fakeDestination is an in-memory Destination. Channels listed in failPost,
// failEdit or failDelete return errTransport for that operation.
type fakeDestination struct {
	mu     sync.Mutex
	calls  []destCall
	posts  map[string]Post
	nextID int

	failRelay  map[string]bool
	failPost   map[string]bool
	failEdit   map[string]bool
	failDelete map[string]bool
	// block, when set, is received from before each post returns.
	block chan struct{}
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{
		posts:      make(map[string]Post),
		failRelay:  make(map[string]bool),
		failPost:   make(map[string]bool),
		failEdit:   make(map[string]bool),
		failDelete: make(map[string]bool),
	}
}

func (f *fakeDestination) record(c destCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeDestination) GetOrCreateRelay(_ context.Context, channelID, _ string) (RelayHandle, error) {
	f.record(destCall{Method: "relay", ChannelID: channelID})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRelay[channelID] {
		return RelayHandle{}, errTransport
	}
	return RelayHandle{ID: "relay-" + channelID, ChannelID: channelID}, nil
}

func (f *fakeDestination) PostViaRelay(_ context.Context, relay RelayHandle, post Post) (DestinationRecord, error) {
	if f.block != nil {
		<-f.block
	}
	f.record(destCall{Method: "post", ChannelID: relay.ChannelID, Content: post.Content})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPost[relay.ChannelID] {
		return DestinationRecord{}, errTransport
	}
	f.nextID++
	msgID := fmt.Sprintf("%s-msg-%d", relay.ChannelID, f.nextID)
	f.posts[msgID] = post
	return DestinationRecord{ChannelID: relay.ChannelID, MessageID: msgID, RelayID: relay.ID}, nil
}

func (f *fakeDestination) EditViaRelay(_ context.Context, record DestinationRecord, content string) error {
	f.record(destCall{Method: "edit", ChannelID: record.ChannelID, MessageID: record.MessageID, Content: content})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEdit[record.ChannelID] {
		return errTransport
	}
	return nil
}

func (f *fakeDestination) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.record(destCall{Method: "delete", ChannelID: channelID, MessageID: messageID})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete[channelID] {
		return errTransport
	}
	return nil
}

// Calls returns the recorded calls for method.
func (f *fakeDestination) Calls(method string) []destCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []destCall
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeDestination) Post(messageID string) (Post, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[messageID]
	return p, ok
}

// fakePublisher records published payloads and signals each one on sent.
type fakePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
	sent     chan []byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{sent: make(chan []byte, 64)}
}

func (p *fakePublisher) Publish(_ context.Context, payload []byte) error {
	p.mu.Lock()
	err := p.err
	if err == nil {
		p.payloads = append(p.payloads, payload)
	}
	p.mu.Unlock()
	if err == nil {
		p.sent <- payload
	}
	return err
}

func (p *fakePublisher) Payloads() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.payloads))
	copy(out, p.payloads)
	return out
}

// staticIdentity treats a fixed set of ids as the relay's own.
type staticIdentity map[string]bool

func (s staticIdentity) IsRelayIdentity(authorID string) bool {
	return s[authorID]
}

func newTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tasks")
	}
}

func testMessage(id, channelID, authorID string) *Message {
	return &Message{
		ID:        id,
		ChannelID: channelID,
		Author: Author{
			ID:        authorID,
			Name:      "user " + authorID,
			AvatarURL: "https://cdn.example.com/" + authorID + ".png",
		},
		Content: "hello from " + channelID,
	}
}

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}
