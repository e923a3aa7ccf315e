// Copyright 2024-2026 Aiku AI

// Package discordfmt converts Discord message markup to portable markdown.
package discordfmt

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Names resolves the ids found in Discord markup. Missing entries are
// rendered with a generic placeholder.
type Names struct {
	Users    map[string]string
	Roles    map[string]string
	Channels map[string]string
}

var (
	codeBlockRe      = regexp.MustCompile("(?s)```.*?```")
	codeRe           = regexp.MustCompile("`[^`\n]+`")
	userMentionRe    = regexp.MustCompile(`<@!?(\d+)>`)
	roleMentionRe    = regexp.MustCompile(`<@&(\d+)>`)
	channelMentionRe = regexp.MustCompile(`<#(\d+)>`)
	customEmojiRe    = regexp.MustCompile(`<a?:(\w+):\d+>`)
	timestampRe      = regexp.MustCompile(`<t:(-?\d+)(?::([tTdDfFR]))?>`)
	slashCommandRe   = regexp.MustCompile(`</([\w -]+):\d+>`)
)

// timestampLayouts maps the Discord timestamp styles to Go layouts. The
// relative style has no portable form and uses the default.
var timestampLayouts = map[string]string{
	"t": "15:04 UTC",
	"T": "15:04:05 UTC",
	"d": "2006-01-02",
	"D": "January 2, 2006",
	"f": "January 2, 2006 15:04 UTC",
	"F": "Monday, January 2, 2006 15:04 UTC",
}

const defaultTimestampLayout = "January 2, 2006 15:04 UTC"

// Parse replaces mentions, custom emoji, timestamps and command mentions
// with plain text. Code spans and blocks are left untouched.
func Parse(text string, names Names) string {
	if !strings.Contains(text, "<") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, span := range codeSpans(text) {
		b.WriteString(convert(text[last:span[0]], names))
		b.WriteString(text[span[0]:span[1]])
		last = span[1]
	}
	b.WriteString(convert(text[last:], names))
	return b.String()
}

// codeSpans returns the byte ranges of code blocks and inline code in text,
// in order. Inline code is only looked for outside blocks.
func codeSpans(text string) [][]int {
	var spans [][]int
	inline := func(from, to int) {
		for _, loc := range codeRe.FindAllStringIndex(text[from:to], -1) {
			spans = append(spans, []int{from + loc[0], from + loc[1]})
		}
	}
	last := 0
	for _, loc := range codeBlockRe.FindAllStringIndex(text, -1) {
		inline(last, loc[0])
		spans = append(spans, loc)
		last = loc[1]
	}
	inline(last, len(text))
	return spans
}

// convert rewrites the markup of a text segment that holds no code.
func convert(text string, names Names) string {
	if !strings.Contains(text, "<") {
		return text
	}
	text = roleMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		return "@" + lookup(names.Roles, roleMentionRe.FindStringSubmatch(match)[1], "unknown-role")
	})
	text = userMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		return "@" + lookup(names.Users, userMentionRe.FindStringSubmatch(match)[1], "unknown-user")
	})
	text = channelMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		return "#" + lookup(names.Channels, channelMentionRe.FindStringSubmatch(match)[1], "unknown-channel")
	})
	text = customEmojiRe.ReplaceAllString(text, ":$1:")
	text = slashCommandRe.ReplaceAllString(text, "/$1")
	return timestampRe.ReplaceAllStringFunc(text, formatTimestamp)
}

func lookup(m map[string]string, id, fallback string) string {
	if name := m[id]; name != "" {
		return name
	}
	return fallback
}

func formatTimestamp(match string) string {
	parts := timestampRe.FindStringSubmatch(match)
	secs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return match
	}
	layout, ok := timestampLayouts[parts[2]]
	if !ok {
		layout = defaultTimestampLayout
	}
	return time.Unix(secs, 0).UTC().Format(layout)
}

// MentionedChannels returns the ids of the channels mentioned outside code.
func MentionedChannels(text string) []string {
	var ids []string
	collect := func(segment string) {
		for _, m := range channelMentionRe.FindAllStringSubmatch(segment, -1) {
			ids = append(ids, m[1])
		}
	}
	last := 0
	for _, span := range codeSpans(text) {
		collect(text[last:span[0]])
		last = span[1]
	}
	collect(text[last:])
	return ids
}
