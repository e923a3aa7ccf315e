// Copyright 2024-2026 Aiku AI

package relay

// Event is a platform event after it has been decoded by an adapter. The set
// of implementations is closed: MessageCreated, MessageEdited and
// MessageDeleted.
type Event interface {
	isEvent()
}

// MessageCreated is a new message posted in a channel.
type MessageCreated struct {
	Message *Message
}

// MessageEdited is a change of an existing message's content.
type MessageEdited struct {
	MessageID string
	ChannelID string
	Content   string
}

// MessageDeleted is the removal of an existing message.
type MessageDeleted struct {
	MessageID string
	ChannelID string
}

func (MessageCreated) isEvent() {}
func (MessageEdited) isEvent()  {}
func (MessageDeleted) isEvent() {}

// EventSink receives decoded platform events.
type EventSink interface {
	HandlePlatformEvent(evt Event)
}
