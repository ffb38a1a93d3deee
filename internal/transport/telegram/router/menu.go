package router

import (
	"context"
	"time"

	kit "homepi/internal/transport"
	logx "homepi/pkg/logx"
)

// Telegram caps menu descriptions at 256 characters.
const menuDescMax = 256

// menuFor lists cmds for the chat's command menu in help order. Aliases
// are left out; owner-only commands carry a lock.
func menuFor(cmds []Command) []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		desc := c.Description
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if r := []rune(desc); len(r) > menuDescMax {
			desc = string(r[:menuDescMax])
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}

// publishMenu pushes the menu when the adapter supports it. Failures are
// logged; commands work without a menu.
func (m *CommandManager) publishMenu(cmds []Command) {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := menuFor(cmds)
	push := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(ctx, menu); err != nil {
			m.log.Warn("command menu update failed", logx.Err(err))
			return nil
		}
		m.log.Debug("command menu updated", logx.Int("commands", len(menu)))
		return nil
	}
	if sup := m.serv.AppSupervisor; sup != nil {
		sup.Go("telegram.menu", push)
		return
	}
	go func() { _ = push(context.Background()) }()
}
