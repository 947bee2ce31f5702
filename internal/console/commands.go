package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/omochice/netdebug/internal/history"
)

const help = `commands:
  <text>               send text (hex pairs with -hex-send)
  /to <id> <text>      send to one client (tcp-server)
  /target <host:port>  set the datagram target (udp)
  /list                list connected clients (tcp-server)
  /count               show byte counters
  /auto <ms> <text>    send text every <ms> milliseconds (>= 1000)
  /stop                stop auto send
  /history             show saved endpoints and the last sent text
  /quit                exit`

// Run reads operator lines from in until EOF, /quit or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case line := <-lines:
			if c.Execute(line) {
				return nil
			}
		}
	}
}

// Execute handles one operator line and reports whether the console should exit.
func (c *Console) Execute(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if !strings.HasPrefix(trimmed, "/") {
		c.report(c.Send(line))
		return false
	}

	cmd, rest, _ := strings.Cut(trimmed, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		c.StopAuto()
		return true
	case "/help":
		c.print(help)
	case "/to":
		id, text, ok := strings.Cut(rest, " ")
		if !ok {
			c.print("usage: /to <id> <text>")
			return false
		}
		c.report(c.SendTo(id, text))
	case "/target":
		t, ok := c.transport.(Targeter)
		if !ok {
			c.report(ErrUnsupported)
			return false
		}
		if err := t.SetTarget(rest); err != nil {
			c.report(err)
			return false
		}
		c.print("target set to " + rest)
	case "/list":
		c.list()
	case "/count":
		received, sent := c.Counters()
		msg := fmt.Sprintf("received: %d bytes  sent: %d bytes", received, sent)
		if l, ok := c.transport.(PeerLister); ok {
			msg += fmt.Sprintf("  clients: %d", l.ActiveConnectionCount())
		}
		c.print(msg)
	case "/auto":
		msStr, text, ok := strings.Cut(rest, " ")
		ms, err := strconv.Atoi(msStr)
		if !ok || err != nil {
			c.print("usage: /auto <ms> <text>")
			return false
		}
		if err := c.StartAuto(time.Duration(ms)*time.Millisecond, text); err != nil {
			c.report(err)
			return false
		}
		c.print(fmt.Sprintf("auto send every %dms", ms))
	case "/stop":
		if c.StopAuto() {
			c.print("auto send stopped")
		} else {
			c.print("auto send is not running")
		}
	case "/history":
		c.showHistory()
	default:
		c.print(fmt.Sprintf("unknown command %s, try /help", cmd))
	}
	return false
}

func (c *Console) list() {
	l, ok := c.transport.(PeerLister)
	if !ok {
		c.report(ErrUnsupported)
		return
	}
	peers := l.Connections()
	if len(peers) == 0 {
		c.print("no clients connected")
		return
	}
	var b strings.Builder
	for _, p := range peers {
		fmt.Fprintf(&b, "%s  %s\n", p.ID, p.Remote)
	}
	c.print(strings.TrimSuffix(b.String(), "\n"))
}

func (c *Console) showHistory() {
	var b strings.Builder
	for _, s := range []struct {
		title string
		store *history.Store
	}{
		{"connections", c.connections},
		{"udp targets", c.targets},
	} {
		if s.store == nil {
			continue
		}
		entries, err := s.store.List()
		if err != nil {
			c.report(err)
			continue
		}
		fmt.Fprintf(&b, "%s:\n", s.title)
		for _, e := range entries {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}
	if c.lastSent != nil {
		if text, err := c.lastSent.Read(); err == nil && text != "" {
			fmt.Fprintf(&b, "last sent:\n  %s\n", text)
		}
	}
	if b.Len() == 0 {
		c.print("no history")
		return
	}
	c.print(strings.TrimSuffix(b.String(), "\n"))
}

func (c *Console) report(err error) {
	if err != nil {
		c.print("error: " + err.Error())
	}
}

// print writes an unframed line for command feedback.
func (c *Console) print(msg string) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, msg)
}
