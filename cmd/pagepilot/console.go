package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pagepilot/internal/adapter/gateway"
	"pagepilot/internal/domain"
	"pagepilot/internal/usecase"
)

type turnRunner interface {
	Turn(ctx context.Context, text string) (string, error)
}

type offlineSwitch interface {
	SetOfflineMode(ctx context.Context, offline bool) bool
	State() domain.ProviderState
}

type consoleDeps struct {
	Engine   turnRunner
	Selector offlineSwitch
	Log      *usecase.ConversationLog
	Pairing  func() (gateway.PairingPayload, error)
}

// console is the line-oriented local chat surface.
type console struct {
	in   io.Reader
	deps consoleDeps

	outMu    sync.Mutex
	out      io.Writer
	active   atomic.Bool // a local turn is running
	streamed atomic.Bool // the running turn printed stream chunks
}

func newConsole(in io.Reader, out io.Writer, deps consoleDeps) *console {
	return &console{in: in, out: out, deps: deps}
}

func (c *console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Run reads lines until EOF, /quit or ctx is done.
func (c *console) Run(ctx context.Context) error {
	unsubscribe := c.deps.Log.Subscribe(func(ch usecase.Change) {
		if !c.active.Load() {
			return
		}
		switch {
		case ch.Kind == usecase.ChangeStreamChunk:
			c.streamed.Store(true)
			c.printf("%s", ch.Chunk)
		case ch.Kind == usecase.ChangeRemove && ch.Message != nil:
			c.printf(" [withdrawn]\n")
		}
	})
	defer unsubscribe()

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	st := c.deps.Selector.State()
	c.printf("pagepilot ready (%s). Type /help for commands.\n", describeState(st))
	for {
		c.printf("> ")
		select {
		case <-ctx.Done():
			c.printf("\n")
			return ctx.Err()
		case err := <-errc:
			return err
		case line := <-lines:
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle processes one input line and reports whether to exit.
func (c *console) handle(ctx context.Context, line string) bool {
	switch {
	case line == "":
	case line == "/quit" || line == "/exit":
		return true
	case line == "/help":
		c.printf("/pair  /offline on|off  /clear  /quit, anything else is a question.\n")
	case line == "/pair":
		c.pair()
	case line == "/clear":
		c.deps.Log.Clear()
		c.printf("Conversation cleared.\n")
	case strings.HasPrefix(line, "/offline"):
		c.offline(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/offline")))
	case strings.HasPrefix(line, "/"):
		c.printf("Unknown command %s. Type /help.\n", strings.Fields(line)[0])
	default:
		c.turn(ctx, line)
	}
	return false
}

func (c *console) pair() {
	p, err := c.deps.Pairing()
	if err != nil {
		c.printf("Pairing unavailable: %v\n", err)
		return
	}
	c.printf("Bridge URL:  %s\nSubprotocol: %s\nValid until: %s\n",
		p.URL, p.Subprotocol, p.ExpiresAt.Local().Format(time.Kitchen))
}

func (c *console) offline(ctx context.Context, arg string) {
	var want bool
	switch arg {
	case "on":
		want = true
	case "off":
		want = false
	case "":
		c.printf("%s\n", describeState(c.deps.Selector.State()))
		return
	default:
		c.printf("Usage: /offline on|off\n")
		return
	}
	ok := c.deps.Selector.SetOfflineMode(ctx, want)
	st := c.deps.Selector.State()
	if !ok {
		c.printf("Could not switch: %s\n", st.LastUnavailableReason)
	}
	c.printf("%s\n", describeState(st))
}

func (c *console) turn(ctx context.Context, text string) {
	c.streamed.Store(false)
	c.active.Store(true)
	reply, err := c.deps.Engine.Turn(ctx, text)
	c.active.Store(false)

	if err != nil {
		if c.streamed.Load() {
			c.printf("\n")
		}
		msg := reply
		if last, ok := c.deps.Log.Last(); ok && last.Role == domain.RoleAssistant {
			msg = last.Content.FirstText()
		}
		c.printf("! %s\n", msg)
		return
	}
	if !c.streamed.Load() {
		c.printf("%s", reply)
	}
	c.printf("\n")
}

func describeState(st domain.ProviderState) string {
	mode := "online"
	if st.Offline {
		mode = "offline"
	}
	model := st.Model
	if model == "" {
		model = "no model"
	}
	return fmt.Sprintf("%s, %s: %s", mode, st.Kind, model)
}
