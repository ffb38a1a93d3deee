// Package router turns household chat messages into operator commands.
//
// Commands are single words ("/remind", "/who"). Words that start with "--"
// are options declared by the command; everything else is passed to the
// handler as positional words.
package router

import (
	"context"
	"strings"
	"sync"
	"time"

	"homepi/internal/control"
	"homepi/internal/metrics"
	rtsup "homepi/internal/runtime/supervisor"
	kit "homepi/internal/transport"
	logx "homepi/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

const defaultCommandTimeout = 15 * time.Second

// Option is a "--name" word a command accepts. Switches take no value.
type Option struct {
	Name   string
	Arg    string // value placeholder shown in help, e.g. "name"
	Help   string
	Switch bool
}

type Command struct {
	Name        string // without the slash
	Aliases     []string
	Group       string // help section
	Description string
	Usage       string
	Options     []Option
	Examples    []string
	Access      Access

	Timeout time.Duration // 0 means defaultCommandTimeout
	Handle  HandlerFunc
}

func (c Command) option(name string) (Option, bool) {
	for _, o := range c.Options {
		if o.Name == name {
			return o, true
		}
	}
	return Option{}, false
}

type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Actor   control.Actor
	Command string
	Args    []string
	ReqID   string

	usage string
	opts  map[string]string

	Adapter  kit.Adapter
	Logger   logx.Logger
	Services *Services
}

// Opt returns the value of a valued option, "" when absent.
func (r *Request) Opt(name string) string { return r.opts[name] }

// Has reports whether an option or switch was given.
func (r *Request) Has(name string) bool {
	_, ok := r.opts[name]
	return ok
}

// Reply sends plain text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	return r.send(ctx, text, "")
}

func (r *Request) replyHTML(ctx context.Context, text string) error {
	return r.send(ctx, text, "HTML")
}

func (r *Request) send(ctx context.Context, text, mode string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: mode})
	return err
}

// ControlPort is the operator surface behind the commands.
type ControlPort interface {
	RegisterDevice(ctx context.Context, req control.DeviceRequest) (control.Paired, error)
	CreateRule(ctx context.Context, req control.RuleRequest) (control.Created, error)
	DeleteRule(ctx context.Context, actor control.Actor, id int64) error
	SetRuleEnabled(ctx context.Context, actor control.Actor, id int64, enabled bool) error
	ListRules(ctx context.Context) (string, error)
	WhoHome(ctx context.Context) (string, error)
	People(ctx context.Context) (string, error)
	Jobs(ctx context.Context) (string, error)
	Location() *time.Location
}

type Services struct {
	Control ControlPort
	Metrics *metrics.Recorder

	// AppSupervisor is set by the app once started. It can be nil in tests.
	AppSupervisor *rtsup.Supervisor
}

// Options carries the hot-reloadable chat settings.
type Options struct {
	// ChatID is the household chat. Messages from any other chat are
	// ignored. Zero accepts every chat.
	ChatID int64
	Owners []int64
}

// registry resolves a command word or alias.
type registry struct {
	cmds  []Command
	index map[string]int
}

func newRegistry(cmds []Command) *registry {
	r := &registry{cmds: cmds, index: make(map[string]int, len(cmds)*2)}
	for i, c := range cmds {
		r.index[c.Name] = i
	}
	// aliases never shadow a real command name
	for i, c := range cmds {
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if _, taken := r.index[a]; a != "" && !taken {
				r.index[a] = i
			}
		}
	}
	return r
}

func (r *registry) lookup(word string) (Command, bool) {
	i, ok := r.index[word]
	if !ok {
		return Command{}, false
	}
	return r.cmds[i], true
}

type CommandManager struct {
	mu     sync.RWMutex
	reg    *registry
	chatID int64
	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	serv    *Services

	queue chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, serv *Services, opt Options) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if serv == nil {
		serv = &Services{}
	}
	m := &CommandManager{
		reg:     newRegistry(nil),
		log:     log.With(logx.String("comp", "telegram.router")),
		adapter: adapter,
		serv:    serv,
		queue:   make(chan func(), 64),
	}
	m.Apply(opt)
	return m
}

// Apply swaps the chat and owner settings during hot-reload.
func (m *CommandManager) Apply(opt Options) {
	owners := append([]int64(nil), opt.Owners...)
	m.mu.Lock()
	m.chatID = opt.ChatID
	m.owners = owners
	m.mu.Unlock()
}

func (m *CommandManager) settings() (int64, []int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chatID, m.owners
}

func (m *CommandManager) registry() *registry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reg
}

// SetRegistry installs cmds plus /help and publishes the chat menu.
func (m *CommandManager) SetRegistry(cmds []Command) {
	all := append(append([]Command(nil), cmds...), m.helpCommand())
	reg := newRegistry(all)

	m.mu.Lock()
	m.reg = reg
	m.mu.Unlock()

	m.publishMenu(all)
}
