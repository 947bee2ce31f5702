package session_test

import (
	"errors"
	"net"
	"testing"

	"github.com/omochice/netdebug/internal/session"
)

func TestConn_Write(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := session.NewConn(client)

	go func() {
		if err := conn.Write([]byte("hello"), 0); err != nil {
			t.Errorf("Write() error = %v", err)
		}
	}()

	buf := make([]byte, 1024)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("server read error: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("server received %q, want %q", string(buf[:n]), "hello")
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	conn := session.NewConn(client)

	if err := conn.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if conn.Alive() {
		t.Error("Alive() = true after Close")
	}
	if err := conn.Write([]byte("x"), 0); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}
}

func TestConn_IDsAreUnique(t *testing.T) {
	a := newPipeConn(t)
	b := newPipeConn(t)

	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("IDs %q and %q must be non-empty and distinct", a.ID(), b.ID())
	}
	if a.RemoteAddr() == "" {
		t.Error("RemoteAddr() returned empty string")
	}
}

func TestSlot_LastSetWins(t *testing.T) {
	var slot session.Slot[session.InfoFunc]
	if _, ok := slot.Load(); ok {
		t.Fatal("zero Slot must be empty")
	}

	var got string
	slot.Set(func(ev session.Event) { got = "first" })
	slot.Set(func(ev session.Event) { got = "second" })

	fn, ok := slot.Load()
	if !ok || fn == nil {
		t.Fatal("Load() after Set returned nothing")
	}
	fn(session.Event{})
	if got != "second" {
		t.Errorf("invoked %q, want second", got)
	}

	slot.Clear()
	if _, ok := slot.Load(); ok {
		t.Error("Load() after Clear must report false")
	}
}

func TestEvent_String(t *testing.T) {
	ev := session.Event{Kind: session.EventTimedOut, Remote: "127.0.0.1:5000"}
	if got, want := ev.String(), "client 127.0.0.1:5000 timed out"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if !ev.Terminal() {
		t.Error("timeout must be terminal")
	}
	if (session.Event{Kind: session.EventConnected}).Terminal() {
		t.Error("connected must not be terminal")
	}
}
