package rules

import (
	"strings"
	"unicode/utf8"
)

// MentionToken addresses a person by their messaging id. Notifiers rewrite
// the token into whatever their platform uses to ping a user.
func MentionToken(externalID string) string {
	return "<@" + externalID + ">"
}

// ComposeText prefixes message with a mention. An empty mention or an empty
// message yields the message unchanged.
func ComposeText(mention, message string) string {
	if mention == "" || message == "" {
		return message
	}
	return mention + " " + message
}

const nameSnippetRunes = 40

// Name builds the display name stored with a rule, e.g. "time: take out the trash".
func Name(t TriggerType, a Action) string {
	snippet := strings.TrimSpace(a.Message)
	if snippet == "" {
		snippet = "♪ " + strings.TrimSpace(a.Sound)
	}
	snippet = strings.Join(strings.Fields(snippet), " ")
	if utf8.RuneCountInString(snippet) > nameSnippetRunes {
		r := []rune(snippet)
		snippet = string(r[:nameSnippetRunes])
	}
	return string(t) + ": " + snippet
}
