package router

import (
	"context"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"homepi/internal/control"
	rtsup "homepi/internal/runtime/supervisor"
	kit "homepi/internal/transport"
	logx "homepi/pkg/logx"
)

// DispatchLoop routes updates until ctx ends or updates is closed. Commands
// run on a small worker pool so a slow handler never blocks polling.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(2, runtime.NumCPU())
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	for i := 0; i < workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), m.work,
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	defer func() {
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sup.Stop(wctx); err != nil {
			m.log.Warn("command workers stop", logx.Err(err))
		}
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				m.route(ctx, up.Message)
			}
		}
	}
}

// work runs queued commands. A panic escaping a job restarts the worker.
func (m *CommandManager) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-m.queue:
			job()
		}
	}
}

// commandWord returns the lowercased command of "/Cmd@homepi_bot".
func commandWord(tok string) string {
	w := strings.ToLower(strings.TrimPrefix(tok, "/"))
	if i := strings.IndexByte(w, '@'); i >= 0 {
		w = w[:i]
	}
	return w
}

func (m *CommandManager) route(ctx context.Context, msg *kit.Message) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	chatID, owners := m.settings()
	if chatID != 0 && msg.ChatID != chatID {
		m.log.Debug("command from foreign chat ignored", logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.FromID))
		return
	}
	toks := tokenizeCommandLine(text)
	if len(toks) == 0 {
		return
	}

	chat := chatOf(msg)
	cmd, ok := m.registry().lookup(commandWord(toks[0]))
	if !ok {
		m.notice(ctx, chat, "unknown command, try /help")
		return
	}
	if cmd.Access == AccessOwnerOnly && !slices.Contains(owners, msg.FromID) {
		m.notice(ctx, chat, "⛔ owner only")
		return
	}

	req := &Request{
		Chat:     chat,
		FromID:   msg.FromID,
		Actor:    actorOf(msg),
		Command:  cmd.Name,
		ReqID:    newReqID(),
		usage:    cmd.Usage,
		Adapter:  m.adapter,
		Services: m.serv,
	}
	req.Logger = m.log.With(
		logx.String("rid", req.ReqID),
		logx.String("cmd", cmd.Name),
		logx.Int64("from_id", msg.FromID),
	)

	job := func() {
		err := m.run(ctx, cmd, req, toks[1:])
		if err == nil {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rerr := req.Reply(rctx, replyForError(err)); rerr != nil {
			req.Logger.Warn("error reply failed", logx.Err(rerr))
		}
	}
	select {
	case m.queue <- job:
	default:
		m.log.Warn("command queue full", logx.String("cmd", cmd.Name))
		m.notice(ctx, chat, "busy, try again")
	}
}

func (m *CommandManager) notice(ctx context.Context, to kit.ChatTarget, text string) {
	if _, err := m.adapter.SendText(ctx, to, text, nil); err != nil {
		m.log.Warn("notice send failed", logx.Err(err))
	}
}

func chatOf(msg *kit.Message) kit.ChatTarget {
	return kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
}

// actorOf names the sender by username when set, otherwise by display name.
func actorOf(msg *kit.Message) control.Actor {
	name := strings.TrimSpace(msg.FromUsername)
	if name == "" {
		name = strings.TrimSpace(msg.FromName)
	}
	if name == "" {
		name = strconv.FormatInt(msg.FromID, 10)
	}
	return control.Actor{ExternalID: strconv.FormatInt(msg.FromID, 10), Name: name}
}
