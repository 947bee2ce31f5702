package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"

	"github.com/omochice/netdebug/internal/client"
	clienttcp "github.com/omochice/netdebug/internal/client/tcp"
	clientws "github.com/omochice/netdebug/internal/client/ws"
	"github.com/omochice/netdebug/internal/console"
	"github.com/omochice/netdebug/internal/session"
	"github.com/omochice/netdebug/internal/transport/tcp"
	"github.com/omochice/netdebug/internal/transport/udp"
)

func (a *app) newConsole(t console.Transport) *console.Console {
	opts := console.Options{
		HexSend:    a.cfg.Console.HexSend,
		HexRecv:    a.cfg.Console.HexRecv,
		AutoAnswer: a.cfg.Console.AutoAnswer,
	}
	options := []console.Option{
		console.WithLogger(a.logger.With().Str("component", "console").Logger()),
		console.WithScheduler(a.tasks.Scheduler()),
		console.WithBackground(a.tasks.Background()),
		console.WithHistory(a.connections, a.targets, a.lastSent),
	}
	if a.recorder != nil {
		options = append(options, console.WithCapture(a.recorder))
	}
	return console.New(os.Stdout, t, opts, options...)
}

// interact starts the configured auto-send and then serves operator input
// until ctx ends or the operator quits.
func (a *app) interact(ctx context.Context, con *console.Console) error {
	if d := a.cfg.Console.AutoSendInterval.Duration; d > 0 && a.cfg.Console.AutoSendText != "" {
		if err := con.StartAuto(d, a.cfg.Console.AutoSendText); err != nil {
			con.System(fmt.Sprintf("auto send not started: %v", err))
		}
	}
	defer con.StopAuto()
	return con.Run(ctx, os.Stdin)
}

func (a *app) runTCPClient(ctx context.Context) error {
	c := clienttcp.New(a.cfg.Host, a.cfg.Port,
		clienttcp.WithLogger(a.logger.With().Str("component", "tcp-client").Logger()),
		clienttcp.WithTelemetry(a.metrics),
	)
	return a.runClient(ctx, c, "<<from TCP server:"+c.Address())
}

func (a *app) runWSClient(ctx context.Context) error {
	c := clientws.New(a.cfg.URL,
		clientws.WithLogger(a.logger.With().Str("component", "ws-client").Logger()),
		clientws.WithTelemetry(a.metrics),
	)
	return a.runClient(ctx, c, "<<from WebSocket server:"+c.Address())
}

func (a *app) runClient(ctx context.Context, c client.Client, label string) error {
	con := a.newConsole(console.ClientTransport{Client: c})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.SetReceive(func(data []byte) {
		con.Inbound(label, data, c.Write)
	})
	c.SetOnDisconnect(func() {
		con.System("connection lost: " + c.Address())
		cancel()
	})

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Close()

	con.RememberConnection(c.Address())
	con.System("connected to " + c.Address())
	return a.interact(ctx, con)
}

func (a *app) runTCPServer(ctx context.Context) error {
	bufferSize, err := a.cfg.BufferSize()
	if err != nil {
		return err
	}

	srv := tcp.NewServer(a.tasks.Elastic(),
		tcp.WithLogger(a.logger.With().Str("component", "tcp-server").Logger()),
		tcp.WithTelemetry(a.metrics),
	)
	con := a.newConsole(console.ServerTransport{Server: srv})

	srv.SetReceive(func(id string, data []byte) {
		con.Inbound("<<from client:"+id, data, func(b []byte) error {
			return srv.SendTo(id, b)
		})
	})
	srv.SetInfoCallback(func(ev session.Event) {
		con.System(ev.String())
	})
	srv.SetOnDisconnect(func() {
		con.System("a client connection failed")
	})

	cfg := tcp.Config{
		BufferSize: bufferSize,
		Heartbeat:  a.cfg.Server.Heartbeat.Duration,
	}
	if err := srv.Open(a.cfg.Address(), cfg); err != nil {
		return err
	}
	defer func() {
		_ = srv.Close()
		con.System("server closed")
	}()

	con.RememberConnection(a.cfg.Address())
	con.System("listening on " + srv.Addr())
	return a.interact(ctx, con)
}

func (a *app) runUDP(ctx context.Context) error {
	ep := udp.New(
		udp.WithLogger(a.logger.With().Str("component", "udp").Logger()),
		udp.WithTelemetry(a.metrics),
	)
	transport, err := console.NewUDPTransport(ep, a.cfg.UDP.Target)
	if err != nil {
		return err
	}
	con := a.newConsole(transport)

	ep.SetReceive(func(from netip.AddrPort, data []byte) {
		con.Inbound("<<from "+from.String(), data, func(b []byte) error {
			return transport.SendDatagram(from, b)
		})
	})

	if err := ep.Open(a.cfg.Address(), a.cfg.UDP.Buffer); err != nil {
		return err
	}
	defer func() {
		_ = ep.Close()
		con.System("UDP closed")
	}()

	con.RememberConnection(a.cfg.Address())
	con.System("bound to " + ep.LocalAddr().String())
	return a.interact(ctx, con)
}
