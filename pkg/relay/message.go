// Copyright 2024-2026 Aiku AI

package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"
)

// ErrMalformedPayload is returned by DecodeMessage when a bus payload cannot
// be turned into a Message.
var ErrMalformedPayload = errors.New("malformed bus payload")

// quoteExcerptLength is the number of runes of the referenced message kept in
// a reply quote.
const quoteExcerptLength = 30

// Author identifies who wrote a message on the chat platform.
type Author struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
	IsBot     bool   `json:"isBot"`
}

// Attachment is a reference to a file hosted by the chat platform.
type Attachment struct {
	URL string `json:"url"`
}

// Message is the platform-neutral form of a chat message. It is also the
// JSON payload exchanged over the bus. A Message is never modified after it
// has been handed to another component.
type Message struct {
	ID                string       `json:"id"`
	ChannelID         string       `json:"channelId,omitempty"`
	GuildID           string       `json:"guildId,omitempty"`
	Link              string       `json:"link,omitempty"`
	Author            Author       `json:"author"`
	Content           string       `json:"content"`
	Attachments       []Attachment `json:"attachments"`
	ReferencedMessage *Message     `json:"referencedMessage,omitempty"`
}

// AttachmentURLs returns the attachment references in order.
func (m *Message) AttachmentURLs() []string {
	if len(m.Attachments) == 0 {
		return nil
	}
	urls := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		if a.URL != "" {
			urls = append(urls, a.URL)
		}
	}
	return urls
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// AttachmentName returns the file name of an attachment URL, or the URL
// itself when it has no path.
func AttachmentName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return rawURL
	}
	return name
}

// IsImageAttachment reports whether rawURL names an image file.
func IsImageAttachment(rawURL string) bool {
	return imageExtensions[strings.ToLower(path.Ext(AttachmentName(rawURL)))]
}

// EncodeMessage serializes a message into its bus payload.
func EncodeMessage(msg *Message) ([]byte, error) {
	out := *msg
	if out.Attachments == nil {
		out.Attachments = []Attachment{}
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %s: %w", msg.ID, err)
	}
	return data, nil
}

// DecodeMessage parses a bus payload. Only the message id is required; a
// payload without a channel id comes from a foreign origin and is relayed to
// every linked channel. Errors wrap ErrMalformedPayload.
func DecodeMessage(payload []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrMalformedPayload)
	}
	return &msg, nil
}

// Quote is the short reply preview attached to a replica when the original
// message answered another message.
type Quote struct {
	Excerpt         string
	Truncated       bool
	Link            string
	AuthorName      string
	AuthorAvatarURL string
}

// Text renders the quote line shown above a replica.
func (q *Quote) Text() string {
	text := q.Excerpt
	if q.Truncated {
		text += "..."
	}
	if q.Link == "" {
		return "**Reply to:** " + text
	}
	return fmt.Sprintf("**[Reply to:](%s)** %s", q.Link, text)
}

// BuildQuote returns the reply quote for ref, or nil when there is nothing
// to quote.
func BuildQuote(ref *Message) *Quote {
	if ref == nil {
		return nil
	}
	content := strings.ReplaceAll(ref.Content, "\r", "")
	content = strings.ReplaceAll(content, "\n", "")
	excerpt := content
	truncated := false
	if utf8.RuneCountInString(content) > quoteExcerptLength {
		excerpt = string([]rune(content)[:quoteExcerptLength])
		truncated = true
	}
	return &Quote{
		Excerpt:         excerpt,
		Truncated:       truncated,
		Link:            ref.Link,
		AuthorName:      ref.Author.Name,
		AuthorAvatarURL: ref.Author.AvatarURL,
	}
}
