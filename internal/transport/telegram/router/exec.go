package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"homepi/internal/control"
	"homepi/internal/rules"
	logx "homepi/pkg/logx"
)

// HandlerFunc runs one command.
type HandlerFunc func(ctx context.Context, req *Request) error

// slowCommand promotes successful command logs from debug to info.
const slowCommand = 750 * time.Millisecond

// usageError carries the usage line shown to the sender.
type usageError struct{ usage string }

func (e *usageError) Error() string { return "usage: " + e.usage }

// optionError reports a "--word" the command does not declare, or a valued
// option given without its value.
type optionError struct {
	cmd, name string
	missing   bool
}

func (e *optionError) Error() string {
	if e.missing {
		return fmt.Sprintf("--%s needs a value", e.name)
	}
	return fmt.Sprintf("/%s has no option --%s", e.cmd, e.name)
}

// run parses options and calls the handler under the command timeout.
// Panics become errors. Every call is logged and counted by outcome.
func (m *CommandManager) run(ctx context.Context, cmd Command, req *Request, raw []string) (err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			req.Logger.Error("command panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		m.record(cmd, req, outcome(err), time.Since(started), err)
	}()

	req.Args, req.opts, err = splitOptions(cmd, raw)
	if err != nil {
		return err
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return cmd.Handle(cctx, req)
}

func (m *CommandManager) record(cmd Command, req *Request, result string, took time.Duration, err error) {
	m.serv.Metrics.Command(cmd.Name, result)
	fields := []logx.Field{
		logx.String("result", result),
		logx.String("actor", req.Actor.Name),
		logx.Duration("took", took),
	}
	switch result {
	case "ok":
		if took >= slowCommand {
			req.Logger.Info("command done", fields...)
		} else {
			req.Logger.Debug("command done", fields...)
		}
	case "error", "timeout":
		req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
	default:
		// the sender's mistake, not ours
		req.Logger.Debug("command rejected", append(fields, logx.Err(err))...)
	}
}

// outcome classifies a handler result for logs, metrics and replies.
func outcome(err error) string {
	var (
		ue *usageError
		oe *optionError
		ve *rules.ValidationError
		nf *rules.NotFoundError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ue), errors.As(err, &oe):
		return "usage"
	case errors.As(err, &ve):
		return "invalid"
	case errors.As(err, &nf):
		return "not_found"
	case errors.Is(err, control.ErrAlreadyRegistered):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// replyForError turns a handler error into the text shown in chat.
// Internal failures are not echoed.
func replyForError(err error) string {
	var oe *optionError
	switch outcome(err) {
	case "usage":
		if errors.As(err, &oe) {
			if oe.missing {
				return "⚠️ " + oe.Error()
			}
			return fmt.Sprintf("⚠️ %s, see /help %s", oe.Error(), oe.cmd)
		}
		return err.Error()
	case "invalid", "not_found", "conflict":
		return "⚠️ " + err.Error()
	case "timeout":
		return "⏱ timed out, try again"
	default:
		return "❌ something went wrong"
	}
}
