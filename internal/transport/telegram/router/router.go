package router

import (
	"context"
	"fmt"
	"html"
	"runtime"
	"runtime/debug"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "animebot/internal/runtime/supervisor"
	kit "animebot/internal/transport"
	logx "animebot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	GroupOnly   bool
	Timeout     time.Duration
	Handle      HandlerFunc
}

// CallbackRoute handles inline-button data of the form "<Prefix>:<payload>".
// Handlers do their own authorization; buttons are visible to everyone in
// the chat.
type CallbackRoute struct {
	Prefix  string
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Update   kit.Update
	ChatID   int64
	FromID   int64
	FromName string
	IsGroup  bool
	Command  string
	Args     []string // tokenized arguments
	Text     string   // raw text after the command word
	Payload  string   // callback data after the prefix
	ReqID    string
	Logger   logx.Logger

	adapter kit.Adapter
}

// Reply sends text to the request's chat.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.adapter.SendText(ctx, r.ChatID, text, opt)
	return err
}

// ReplyHTML sends HTML text with an optional keyboard.
func (r *Request) ReplyHTML(ctx context.Context, text string, kb kit.Keyboard) error {
	return r.Reply(ctx, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true, Keyboard: kb})
}

// Answer shows a short toast for a callback request. It is a no-op for
// messages.
func (r *Request) Answer(ctx context.Context, text string) error {
	if r.Update.Callback == nil {
		return nil
	}
	return r.adapter.AnswerCallback(ctx, r.Update.Callback.ID, text)
}

// Manager routes updates to commands and callbacks on a small worker pool.
type Manager struct {
	mu        sync.RWMutex
	cmds      map[string]*Command
	ordered   []*Command
	callbacks map[string]CallbackRoute
	owners    []int64

	log     logx.Logger
	adapter kit.Adapter

	jobs chan func()
}

func NewManager(log logx.Logger, adapter kit.Adapter, owners []int64) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cmds:      map[string]*Command{},
		callbacks: map[string]CallbackRoute{},
		owners:    append([]int64(nil), owners...),
		log:       log.With(logx.String("comp", "router")),
		adapter:   adapter,
		jobs:      make(chan func(), 256),
	}
}

// SetOwners updates the list used for AccessOwnerOnly checks.
func (m *Manager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

// SetRegistry replaces all commands and callbacks. A /help command is
// always added.
func (m *Manager) SetRegistry(ctx context.Context, cmds []Command, cbs []CallbackRoute) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show available commands",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, m.helpText(), nil)
		},
	})

	byName := map[string]*Command{}
	var ordered []*Command
	for i := range cmds {
		c := &cmds[i]
		name := sanitizeTelegramCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
		ordered = append(ordered, c)
		for _, a := range c.Aliases {
			if a = sanitizeTelegramCommand(a); a != "" {
				if _, exists := byName[a]; !exists {
					byName[a] = c
				}
			}
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	cb := map[string]CallbackRoute{}
	for _, r := range cbs {
		if p := strings.TrimSpace(r.Prefix); p != "" && r.Handle != nil {
			cb[p] = r
		}
	}

	m.mu.Lock()
	m.cmds, m.ordered, m.callbacks = byName, ordered, cb
	m.mu.Unlock()

	if up, ok := m.adapter.(kit.CommandMenuUpdater); ok {
		menu := buildMenu(ordered)
		go func() {
			uctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(uctx, menu); err != nil {
				m.log.Warn("failed to update command menu", logx.Err(err))
			}
		}()
	}
}

// DispatchLoop consumes updates until ctx ends or updates is closed.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.New(ctx, rtsup.WithLogger(m.log), rtsup.WithCancelOnError(false))
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-m.jobs:
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
		)
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
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
			m.route(ctx, up)
		}
	}
}

func (m *Manager) route(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		m.routeMessage(ctx, up)
	case kit.UpdateCallback:
		m.routeCallback(ctx, up)
	}
}

func (m *Manager) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	word, rest, ok := splitCommand(msg.Text)
	if !ok {
		return
	}

	m.mu.RLock()
	cmd := m.cmds[word]
	owners := m.owners
	m.mu.RUnlock()
	if cmd == nil {
		if !msg.IsGroup {
			_, _ = m.adapter.SendText(root, msg.ChatID, "Unknown command. Try /help", nil)
		}
		return
	}
	if cmd.Access == AccessOwnerOnly && !slices.Contains(owners, msg.FromID) {
		_, _ = m.adapter.SendText(root, msg.ChatID, "unauthorized", nil)
		return
	}
	if cmd.GroupOnly && !msg.IsGroup {
		_, _ = m.adapter.SendText(root, msg.ChatID, "This command can only be used in groups.", nil)
		return
	}

	rid := newReqID()
	req := &Request{
		Update:   up,
		ChatID:   msg.ChatID,
		FromID:   msg.FromID,
		FromName: msg.FromName,
		IsGroup:  msg.IsGroup,
		Command:  cmd.Name,
		Args:     tokenize(rest),
		Text:     rest,
		ReqID:    rid,
		Logger:   m.log.With(logx.String("rid", rid), logx.Int64("chat_id", msg.ChatID), logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Name)),
		adapter:  m.adapter,
	}
	final := Chain(cmd.Handle, MWRequestLog(m.log), MWPanicRecover(m.log), MWTimeout(cmd.Timeout))
	if !m.tryEnqueue(func() {
		if err := final(root, req); err != nil {
			_ = req.Reply(root, "Sorry, something went wrong.", nil)
		}
	}) {
		_ = req.Reply(root, "busy, try again", nil)
	}
}

func (m *Manager) routeCallback(root context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	prefix, payload, _ := strings.Cut(strings.TrimSpace(cb.Data), ":")

	m.mu.RLock()
	route, ok := m.callbacks[prefix]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
		return
	}

	rid := newReqID()
	req := &Request{
		Update:  up,
		ChatID:  cb.ChatID,
		FromID:  cb.FromID,
		Command: "cb:" + prefix,
		Payload: payload,
		ReqID:   rid,
		Logger:  m.log.With(logx.String("rid", rid), logx.Int64("chat_id", cb.ChatID), logx.Int64("from_id", cb.FromID), logx.String("cmd", "cb:"+prefix)),
		adapter: m.adapter,
	}
	final := Chain(route.Handle, MWRequestLog(m.log), MWPanicRecover(m.log), MWTimeout(route.Timeout))
	if !m.tryEnqueue(func() {
		_ = final(root, req)
		// stops the client's loading spinner when the handler did not answer
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
	}) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "busy")
	}
}

func (m *Manager) tryEnqueue(fn func()) bool {
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

func (m *Manager) helpText() string {
	m.mu.RLock()
	cmds := m.ordered
	m.mu.RUnlock()

	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "\n<code>%s</code>", html.EscapeString(usage))
		if c.Description != "" {
			b.WriteString(" - " + html.EscapeString(c.Description))
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString(" 🔒")
		}
	}
	return b.String()
}
