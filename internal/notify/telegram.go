package notify

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode/utf16"

	"golang.org/x/time/rate"

	"homepi/internal/metrics"
	"homepi/internal/rules"
	"homepi/internal/storage"
	kit "homepi/internal/transport"
	logx "homepi/pkg/logx"
)

// PersonLookup resolves a mention token's id to a display name.
type PersonLookup interface {
	PersonByExternalID(ctx context.Context, externalID string) (storage.Person, error)
}

type TelegramConfig struct {
	Target     kit.ChatTarget
	RatePerSec int // 0 means 1
}

// TelegramNotifier posts to the household chat through the transport
// adapter, turning mention tokens into text_mention entities.
type TelegramNotifier struct {
	sender  kit.Adapter
	people  PersonLookup
	log     logx.Logger
	metrics *metrics.Recorder

	mu      sync.RWMutex
	target  kit.ChatTarget
	limiter *rate.Limiter
}

func NewTelegram(cfg TelegramConfig, sender kit.Adapter, people PersonLookup, rec *metrics.Recorder, log logx.Logger) *TelegramNotifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &TelegramNotifier{
		sender:  sender,
		people:  people,
		log:     log.With(logx.String("comp", "notify.telegram")),
		metrics: rec,
	}
	n.Apply(cfg)
	return n
}

// Apply retargets the notifier and resets its rate limit.
func (n *TelegramNotifier) Apply(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	n.mu.Lock()
	n.target = cfg.Target
	n.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	n.mu.Unlock()
}

func (n *TelegramNotifier) current() (kit.ChatTarget, *rate.Limiter) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.target, n.limiter
}

func (n *TelegramNotifier) SendText(ctx context.Context, text string) error {
	err := n.send(ctx, text, true)
	n.metrics.Delivery("text", err)
	target, _ := n.current()
	if err != nil {
		n.log.Warn("notification send failed", logx.Int64("chat_id", target.ChatID), logx.Err(err))
		return &rules.DeliveryError{Channel: "text", Err: err}
	}
	n.log.Debug("notification sent", logx.Int64("chat_id", target.ChatID))
	return nil
}

// Forward sends a log line without mention handling; it implements
// logx.Forwarder.
func (n *TelegramNotifier) Forward(ctx context.Context, text string) error {
	return n.send(ctx, text, false)
}

func (n *TelegramNotifier) send(ctx context.Context, text string, mentions bool) error {
	target, limiter := n.current()
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	opt := &kit.SendOptions{DisablePreview: true}
	if mentions {
		text, opt.Entities = n.expandMentions(ctx, text)
	}
	_, err := n.sender.SendText(ctx, target, text, opt)
	return err
}

var mentionRE = regexp.MustCompile(`^<@([^<>\s]+)>`)

// expandMentions replaces the leading mention token added by
// rules.ComposeText with the person's name and returns its entity. Tokens
// typed inside the message body stay literal text. A token whose id is not
// a Telegram user id becomes plain "@id" text.
func (n *TelegramNotifier) expandMentions(ctx context.Context, text string) (string, []kit.Entity) {
	loc := mentionRE.FindStringSubmatchIndex(text)
	if loc == nil {
		return text, nil
	}
	id, rest := text[loc[2]:loc[3]], text[loc[1]:]
	uid, err := strconv.ParseInt(id, 10, 64)
	if err != nil || uid <= 0 {
		return "@" + id + rest, nil
	}
	label := n.label(ctx, id)
	ent := kit.Entity{
		Type:   kit.EntityTextMention,
		Length: len(utf16.Encode([]rune(label))),
		UserID: uid,
	}
	return label + rest, []kit.Entity{ent}
}

func (n *TelegramNotifier) label(ctx context.Context, externalID string) string {
	if n.people != nil {
		if p, err := n.people.PersonByExternalID(ctx, externalID); err == nil && strings.TrimSpace(p.Name) != "" {
			return p.Name
		}
	}
	return "@" + externalID
}
