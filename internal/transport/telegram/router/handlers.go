package router

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"homepi/internal/control"
	"homepi/internal/rules"
	"homepi/internal/storage"
)

var (
	optTo    = Option{Name: "to", Arg: "name", Help: "remind someone else (a registered name, default you)"}
	optSound = Option{Name: "sound", Arg: "src", Help: "also play a sound file or URL on the speaker"}
	optHome  = Option{Name: "home", Switch: true, Help: "only when the target is home; recurring runs skip otherwise"}
	optWho   = Option{Name: "who", Arg: "name", Help: "whose arrival triggers the rule (default you)"}
)

// Commands returns the operator command set in help order.
func Commands() []Command {
	return []Command{
		{
			Name:        "remind",
			Group:       "Reminders",
			Description: "one-shot reminder",
			Usage:       "/remind <when> <message> [--to name] [--sound src] [--home]",
			Options:     []Option{optTo, optSound, optHome},
			Examples: []string{
				"/remind 18:30 take the bins out",
				"/remind 2026-12-24 09:00 pick up the goose --to bob --home",
			},
			Handle: handleRemind,
		},
		{
			Name:        "cron",
			Group:       "Reminders",
			Description: "recurring reminder",
			Usage:       `/cron "<m h dom mon dow>" <message> [--to name] [--sound src] [--home]`,
			Options:     []Option{optTo, optSound, optHome},
			Examples: []string{
				`/cron "30 7 * * 1-5" standup --sound chime.mp3`,
				`/cron "0 20 * * 0" water the plants --home`,
			},
			Handle: handleCron,
		},
		{
			Name:        "onarrive",
			Aliases:     []string{"arrive"},
			Group:       "Reminders",
			Description: "run an action when someone gets home",
			Usage:       "/onarrive [--who name] <message> [--sound src] [--to name]",
			Options:     []Option{optWho, optSound, optTo},
			Examples: []string{
				"/onarrive welcome home!",
				"/onarrive --who bob the parcel is at the door --to alice",
			},
			Handle: handleOnArrive,
		},
		{
			Name:        "rules",
			Aliases:     []string{"ls"},
			Group:       "Rules",
			Description: "list rules",
			Usage:       "/rules",
			Handle:      report(func(c ControlPort) func(context.Context) (string, error) { return c.ListRules }),
		},
		{
			Name:        "delrule",
			Aliases:     []string{"rm"},
			Group:       "Rules",
			Description: "delete a rule",
			Usage:       "/delrule <id>",
			Examples:    []string{"/delrule 3"},
			Handle:      handleDelete,
		},
		{
			Name:        "enable",
			Group:       "Rules",
			Description: "turn a rule on",
			Usage:       "/enable <id>",
			Examples:    []string{"/enable #3"},
			Handle:      toggle(true),
		},
		{
			Name:        "disable",
			Group:       "Rules",
			Description: "turn a rule off",
			Usage:       "/disable <id>",
			Access:      AccessOwnerOnly,
			Handle:      toggle(false),
		},
		{
			Name:        "pair",
			Group:       "Presence",
			Description: "pair your phone (IP) or Bluetooth MAC",
			Usage:       "/pair <ip|mac>",
			Examples:    []string{"/pair 192.168.1.23", "/pair AA:BB:CC:DD:EE:FF"},
			Handle:      handlePair,
		},
		{
			Name:        "who",
			Group:       "Presence",
			Description: "who is home",
			Usage:       "/who",
			Handle:      report(func(c ControlPort) func(context.Context) (string, error) { return c.WhoHome }),
		},
		{
			Name:        "people",
			Group:       "Presence",
			Description: "registered people and devices",
			Usage:       "/people",
			Handle:      report(func(c ControlPort) func(context.Context) (string, error) { return c.People }),
		},
		{
			Name:        "jobs",
			Group:       "Status",
			Description: "scheduled jobs",
			Usage:       "/jobs",
			Handle:      report(func(c ControlPort) func(context.Context) (string, error) { return c.Jobs }),
		},
	}
}

func usage(req *Request) error { return &usageError{usage: req.usage} }

func handlePair(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage(req)
	}
	p, err := req.Services.Control.RegisterDevice(ctx, control.DeviceRequest{Actor: req.Actor, Value: req.Args[0]})
	if err != nil {
		return err
	}
	kind := "phone"
	if p.Device.Kind == storage.DeviceBLEMAC {
		kind = "Bluetooth device"
	}
	msg := fmt.Sprintf("✅ %s %s paired to %s.", kind, p.Device.Value, p.Person.Name)
	if p.PersonCreated {
		msg += " Welcome!"
	}
	return req.Reply(ctx, msg)
}

var datePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// splitWhen takes the trigger time off the front of args. A bare date is
// joined with the clock time that follows it.
func splitWhen(args []string) (string, []string) {
	if len(args) == 0 {
		return "", nil
	}
	if datePrefix.MatchString(args[0]) && len(args) > 1 {
		return args[0] + " " + args[1], args[2:]
	}
	return args[0], args[1:]
}

func actionFromOptions(req *Request, rr *control.RuleRequest, words []string) {
	rr.Message = strings.Join(words, " ")
	rr.Sound = req.Opt("sound")
	rr.Target = req.Opt("to")
	rr.RequireHome = req.Has("home")
}

func handleRemind(ctx context.Context, req *Request) error {
	when, rest := splitWhen(req.Args)
	if when == "" {
		return usage(req)
	}
	rr := control.RuleRequest{Actor: req.Actor, Type: rules.TriggerTime, At: when}
	actionFromOptions(req, &rr, rest)
	return createRule(ctx, req, rr)
}

func handleCron(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return usage(req)
	}
	rr := control.RuleRequest{Actor: req.Actor, Type: rules.TriggerTime, Cron: req.Args[0]}
	actionFromOptions(req, &rr, req.Args[1:])
	return createRule(ctx, req, rr)
}

func handleOnArrive(ctx context.Context, req *Request) error {
	rr := control.RuleRequest{Actor: req.Actor, Type: rules.TriggerArrival, Who: req.Opt("who")}
	actionFromOptions(req, &rr, req.Args)
	return createRule(ctx, req, rr)
}

func createRule(ctx context.Context, req *Request, rr control.RuleRequest) error {
	c, err := req.Services.Control.CreateRule(ctx, rr)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("✅ rule #%d created: %s", c.Rule.ID, c.Rule.Name)
	if c.NextRun != nil {
		msg += "\nnext run " + c.NextRun.In(req.Services.Control.Location()).Format("2006-01-02 15:04")
	}
	return req.Reply(ctx, msg)
}

func ruleID(req *Request) (int64, error) {
	if len(req.Args) != 1 {
		return 0, usage(req)
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(req.Args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &rules.ValidationError{Field: "id", Reason: fmt.Sprintf("%q is not a rule id", req.Args[0])}
	}
	return id, nil
}

func handleDelete(ctx context.Context, req *Request) error {
	id, err := ruleID(req)
	if err != nil {
		return err
	}
	if err := req.Services.Control.DeleteRule(ctx, req.Actor, id); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🗑 rule #%d deleted", id))
}

func toggle(enabled bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		id, err := ruleID(req)
		if err != nil {
			return err
		}
		if err := req.Services.Control.SetRuleEnabled(ctx, req.Actor, id, enabled); err != nil {
			return err
		}
		state := "off"
		if enabled {
			state = "on"
		}
		return req.Reply(ctx, fmt.Sprintf("rule #%d is %s", id, state))
	}
}

func report(pick func(ControlPort) func(context.Context) (string, error)) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		text, err := pick(req.Services.Control)(ctx)
		if err != nil {
			return err
		}
		return req.Reply(ctx, text)
	}
}
