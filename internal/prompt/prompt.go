// Package prompt assembles the provider-facing instruction texts from a
// user profile and the stored conversation history.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/voxgate/pkg/store"
)

// namePlaceholder is substituted with the supervisee's name in the
// personality's first-message template.
const namePlaceholder = "{name}"

// historyLimit caps how many past turns are carried into the system prompt.
const historyLimit = 40

// FirstMessage renders the assistant's opening line from the personality's
// template. Returns "" when the profile has no personality or the
// personality defines no opening.
func FirstMessage(p *store.Profile) string {
	if p == nil || p.Personality == nil || p.Personality.FirstMessagePrompt == "" {
		return ""
	}
	return strings.ReplaceAll(p.Personality.FirstMessagePrompt, namePlaceholder, p.SuperviseeName)
}

// System builds the session's system prompt: the personality's character
// text, who the assistant is talking to, and the recent conversation
// history. A history read failure degrades to a prompt without history.
func System(ctx context.Context, p *store.Profile, conv store.ConversationStore) string {
	var b strings.Builder

	if p != nil && p.Personality != nil && p.Personality.CharacterPrompt != "" {
		b.WriteString(p.Personality.CharacterPrompt)
		b.WriteString("\n\n")
	}

	if p != nil && p.SuperviseeName != "" {
		fmt.Fprintf(&b, "You are talking to %s", p.SuperviseeName)
		if p.SuperviseeAge > 0 {
			fmt.Fprintf(&b, ", who is %d years old", p.SuperviseeAge)
		}
		b.WriteString(". Keep your responses short, warm and age-appropriate.\n")
	}

	if history := historySection(ctx, p, conv); history != "" {
		b.WriteString("\n")
		b.WriteString(history)
	}

	return strings.TrimRight(b.String(), "\n")
}

func historySection(ctx context.Context, p *store.Profile, conv store.ConversationStore) string {
	if conv == nil || p == nil || p.Personality == nil {
		return ""
	}

	turns, err := conv.ChatHistory(ctx, p.UserID, p.Personality.Key)
	if err != nil {
		slog.Warn("prompt: chat history unavailable", "user", p.UserID, "err", err)
		return ""
	}
	if len(turns) == 0 {
		return ""
	}
	if len(turns) > historyLimit {
		turns = turns[len(turns)-historyLimit:]
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
	}
	return b.String()
}
