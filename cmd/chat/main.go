package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/peterh/liner"
	"github.com/redis/go-redis/v9"

	"chatrelay/internal/backend"
	"chatrelay/internal/config"
	"chatrelay/internal/models"
	"chatrelay/internal/quota"
	"chatrelay/internal/session"
)

func main() {
	cfg := config.LoadClient()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The cookie jar keeps the gateway-issued guest id stable across
	// requests, exactly like a browser would.
	jar, err := cookiejar.New(nil)
	if err != nil {
		log.Fatalf("✗ Cookie jar: %v", err)
	}
	client := backend.NewClient(cfg.BackendURL, &http.Client{Jar: jar})

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("✗ Guest counter store: %v", err)
	}
	gate, err := quota.NewGate(ctx, store, cfg.GuestMessageLimit)
	if err != nil {
		log.Fatalf("✗ Guest quota gate: %v", err)
	}

	nav := &terminalNavigator{}
	out := &printer{}

	sess := session.New(ctx, session.Options{
		Backend:     client,
		Navigator:   nav,
		Gate:        gate,
		OnUpdate:    out.update,
		OnRefresh:   func() { nav.markStale() },
		Model:       cfg.DefaultModel,
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	nav.sess = sess
	out.sess = sess

	// Ctrl-C during a stream stops the stream, not the program.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	go func() {
		for range interrupts {
			sess.Stop()
		}
	}()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Printf("chatrelay: connected to %s (type /help)\n", cfg.BackendURL)

	for {
		input, err := line.Prompt(nav.prompt())
		if err != nil {
			// Ctrl-C at the prompt or EOF both end the program.
			fmt.Println()
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := runCommand(ctx, input, sess, client, nav); quit {
				return
			}
			continue
		}

		out.beginTurn()
		if err := sess.Send(input); err != nil {
			fmt.Printf("! %v\n", err)
			continue
		}
		sess.Wait()
		fmt.Println()
	}
}

// openStore picks where the guest counter lives: redis when configured
// (shared across machines), otherwise a file under the state directory
// shared by every client on this host.
func openStore(cfg *config.Config) (quota.Store, error) {
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return quota.NewRedisStore(redis.NewClient(opt)), nil
	}
	return quota.NewFileStore(cfg.StateDir)
}

// runCommand handles slash commands; returns true to exit.
func runCommand(ctx context.Context, input string, sess *session.Session, client *backend.Client, nav *terminalNavigator) bool {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		sess.Stop()
		sess.Wait()
		return true

	case "/help":
		fmt.Print(helpText)

	case "/models":
		for _, m := range client.Models(ctx) {
			fmt.Printf("  %-40s %s\n", m.ID, m.Name)
		}

	case "/list":
		convs, err := client.Conversations(ctx)
		if err != nil {
			fmt.Printf("! list failed: %v\n", err)
			return false
		}
		for _, c := range convs {
			fmt.Printf("  #%-6d %s\n", c.ID, c.Title)
		}
		nav.clearStale()

	case "/open":
		id, ok := parseID(args)
		if !ok {
			fmt.Println("usage: /open <id>")
			return false
		}
		sess.Navigate(id, true)

	case "/new":
		sess.Navigate(0, false)

	case "/rename":
		id, ok := parseID(args)
		if !ok || len(args) < 2 {
			fmt.Println("usage: /rename <id> <title>")
			return false
		}
		if err := client.Rename(ctx, id, strings.Join(args[1:], " ")); err != nil {
			fmt.Printf("! rename failed: %v\n", err)
		}

	case "/delete":
		id, ok := parseID(args)
		if !ok {
			fmt.Println("usage: /delete <id>")
			return false
		}
		if err := client.Delete(ctx, id); err != nil {
			fmt.Printf("! delete failed: %v\n", err)
		}

	case "/stop":
		sess.Stop()

	default:
		fmt.Printf("unknown command %s (try /help)\n", cmd)
	}
	return false
}

func parseID(args []string) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

const helpText = `  /models            list available models
  /list              list conversations
  /open <id>         open a conversation
  /new               start a fresh conversation
  /rename <id> <t>   rename a conversation
  /delete <id>       delete a conversation
  /stop              stop the current response
  /quit              exit
`

// terminalNavigator is the CLI's stand-in for the browser URL bar: the
// conversation locator it carries shows up in the prompt, and rewriting it
// feeds back into the session as a navigation change, the same loop a
// browser address bar produces.
type terminalNavigator struct {
	mu    sync.Mutex
	sess  *session.Session
	stale bool
}

func (n *terminalNavigator) SetLocator(conversationID int64) {
	// The rewrite itself triggers a navigation change, exactly like the
	// browser firing a location event for the session's own update. The
	// session's suppression flag is what keeps this from reloading the
	// conversation it is mid-stream on.
	n.sess.Navigate(conversationID, true)
}

// markStale flags that the server-side conversation list may have moved on
// since /list last ran; the prompt shows a star until the next /list.
func (n *terminalNavigator) markStale() {
	n.mu.Lock()
	n.stale = true
	n.mu.Unlock()
}

func (n *terminalNavigator) clearStale() {
	n.mu.Lock()
	n.stale = false
	n.mu.Unlock()
}

func (n *terminalNavigator) prompt() string {
	n.mu.Lock()
	star := ""
	if n.stale {
		star = "*"
	}
	n.mu.Unlock()

	if id := n.sess.Locator(); id != 0 {
		return fmt.Sprintf("#%d%s> ", id, star)
	}
	return star + "> "
}

// printer renders message-list updates incrementally: the suffix of the
// trailing assistant message that has not been printed yet, plus any newly
// appended system entries.
type printer struct {
	mu      sync.Mutex
	sess    *session.Session
	printed int
	seen    int
}

func (p *printer) beginTurn() {
	p.mu.Lock()
	p.printed = 0
	p.seen = len(p.sess.Messages())
	p.mu.Unlock()
}

func (p *printer) update() {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := p.sess.Messages()

	// Outside a turn the only changes are wholesale: a history load or a
	// cleared conversation. Re-render the transcript.
	if p.sess.State() == session.StateIdle {
		if len(msgs) != p.seen {
			p.renderTranscript(msgs)
			p.seen = len(msgs)
		}
		return
	}

	// Surface system entries (send failures) appended since last render.
	for i := p.seen; i < len(msgs); i++ {
		if msgs[i].Role == models.RoleSystem {
			fmt.Printf("\n[system] %s\n", msgs[i].Content)
		}
	}
	p.seen = len(msgs)

	// Stream the trailing assistant message's unprinted suffix.
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			if len(msgs[i].Content) > p.printed {
				fmt.Print(msgs[i].Content[p.printed:])
				p.printed = len(msgs[i].Content)
			}
			return
		}
	}
}

func (p *printer) renderTranscript(msgs []models.Message) {
	fmt.Println()
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			fmt.Printf("you: %s\n", m.Content)
		case models.RoleAssistant:
			fmt.Printf("assistant: %s\n", m.Content)
		case models.RoleSystem:
			fmt.Printf("[system] %s\n", m.Content)
		}
	}
}
