package router

import (
	"context"
	"html"
	"strings"
	"time"
)

// helpTopicWhen explains trigger times; it is not a command.
const helpTopicWhen = "when"

func (m *CommandManager) helpCommand() Command {
	return Command{
		Name:        "help",
		Aliases:     []string{"h", "start"},
		Group:       "Status",
		Description: "show help",
		Usage:       "/help [command|when]",
		Examples:    []string{"/help remind", "/help when"},
		Handle: func(ctx context.Context, req *Request) error {
			var loc *time.Location
			if c := req.Services.Control; c != nil {
				loc = c.Location()
			}
			return req.replyHTML(ctx, m.helpText(req.Args, loc))
		},
	}
}

// helpText renders help in Telegram HTML.
func (m *CommandManager) helpText(args []string, loc *time.Location) string {
	if len(args) == 0 {
		return overviewHelp(m.registry().cmds)
	}
	word := commandWord(args[0])
	if word == helpTopicWhen {
		return whenHelp(loc)
	}
	cmd, ok := m.registry().lookup(word)
	if !ok {
		return "❓ No command <code>/" + html.EscapeString(word) + "</code>. Send <code>/help</code> for the list."
	}
	return commandHelp(cmd)
}

func code(s string) string { return "<code>" + html.EscapeString(s) + "</code>" }

// overviewHelp lists commands under their group, in registry order.
func overviewHelp(cmds []Command) string {
	var (
		b      strings.Builder
		groups []string
		byGrp  = map[string][]Command{}
	)
	for _, c := range cmds {
		if _, seen := byGrp[c.Group]; !seen {
			groups = append(groups, c.Group)
		}
		byGrp[c.Group] = append(byGrp[c.Group], c)
	}

	b.WriteString("🏠 <b>homepi</b>\n")
	for _, g := range groups {
		if g != "" {
			b.WriteString("\n<b>" + html.EscapeString(g) + "</b>\n")
		}
		for _, c := range byGrp[g] {
			lock := ""
			if c.Access == AccessOwnerOnly {
				lock = "🔒 "
			}
			b.WriteString("• " + lock + code("/"+c.Name) + " " + html.EscapeString(c.Description) + "\n")
		}
	}
	b.WriteString("\nSend " + code("/help <command>") + " for options and examples, " + code("/help when") + " for time formats.")
	return b.String()
}

func commandHelp(c Command) string {
	lines := []string{"🏠 <b>/" + html.EscapeString(c.Name) + "</b> " + html.EscapeString(c.Description)}
	if c.Access == AccessOwnerOnly {
		lines = append(lines, "🔒 <i>Owner only</i>")
	}
	lines = append(lines, code(c.Usage))

	if len(c.Options) > 0 {
		lines = append(lines, "", "<b>Options</b>")
		for _, o := range c.Options {
			flag := "--" + o.Name
			if !o.Switch {
				flag += " " + o.Arg
			}
			lines = append(lines, "• "+code(flag)+" "+html.EscapeString(o.Help))
		}
	}
	if len(c.Examples) > 0 {
		lines = append(lines, "", "<b>Examples</b>")
		for _, e := range c.Examples {
			lines = append(lines, "• "+code(e))
		}
	}
	if c.Name == "remind" || c.Name == "cron" {
		lines = append(lines, "", "Time formats: "+code("/help when"))
	}
	if len(c.Aliases) > 0 {
		short := make([]string, len(c.Aliases))
		for i, a := range c.Aliases {
			short[i] = code("/" + a)
		}
		lines = append(lines, "", "Also: "+strings.Join(short, " "))
	}
	return strings.Join(lines, "\n")
}

func whenHelp(loc *time.Location) string {
	lines := []string{
		"⏰ <b>When</b>",
		"• " + code("18:30") + " the next 18:30, today or tomorrow",
		"• " + code("2026-10-18 08:00") + " or " + code("2026-10-18T08:00") + " a date and time",
		"• " + code("2026-10-18T08:00:00+02:00") + " RFC 3339 with an explicit offset",
		"One-shot times must be in the future.",
		"",
		"🔁 <b>Cron</b> (for /cron), five fields in quotes:",
		code("minute hour day-of-month month weekday"),
		"• " + code(`"30 7 * * 1-5"`) + " 07:30 on weekdays",
		"• " + code(`"0 20 * * 0"`) + " Sundays at 20:00",
		"• " + code(`"*/15 * * * *"`) + " every 15 minutes",
	}
	if loc != nil {
		lines = append(lines, "", "Times are read in "+code(loc.String())+".")
	}
	return strings.Join(lines, "\n")
}
