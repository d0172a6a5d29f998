package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/randalmurphal/agentflow/pkg/agentflow"
	"github.com/randalmurphal/agentflow/pkg/agentflow/event"
	"github.com/randalmurphal/agentflow/pkg/agentflow/eventloop"
	"github.com/randalmurphal/agentflow/pkg/agentflow/signal"
)

// clientTarget is the signal target of whichever client-facing node is
// running.
const clientTarget = "client"

// console connects client-facing nodes to a terminal. Model text meant for
// the client is written to out; each input line becomes an event signal
// and end of input a shutdown signal. Lines read while no client-facing
// node runs stay pending for the next one.
type console struct {
	out     io.Writer
	signals *signal.Dispatcher
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]bool
	eof     bool
}

func newConsole(out io.Writer, logger *slog.Logger) *console {
	return &console{
		out:     out,
		signals: signal.NewDispatcher(nil).WithLogger(logger),
		logger:  logger,
		clients: make(map[string]bool),
	}
}

// Attach is the EventLoopFactory OnNode hook.
func (c *console) Attach(spec agentflow.NodeSpec, n *eventloop.Node) {
	if !spec.ClientFacing {
		return
	}
	ctx := context.Background()
	c.mu.Lock()
	c.clients[spec.ID] = true
	eof := c.eof
	c.mu.Unlock()

	if err := c.signals.Attach(ctx, clientTarget, n); err != nil {
		c.logger.Warn("attach client node", slog.String("node_id", spec.ID), slog.String("error", err.Error()))
	}
	// Input already ended: every later client-facing node finishes
	// after its first turn.
	if eof {
		c.send(signal.NewShutdown(clientTarget))
	}
}

// ReadLines feeds lines from r until it ends.
func (c *console) ReadLines(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		c.send(signal.NewEvent(clientTarget, sc.Text()).WithSender("stdin"))
	}
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
	c.send(signal.NewShutdown(clientTarget).WithSender("stdin"))
}

func (c *console) send(sig *signal.Signal) {
	if _, err := c.signals.Send(context.Background(), sig); err != nil {
		c.logger.Warn("send signal", slog.String("signal", sig.Name), slog.String("error", err.Error()))
	}
}

// Handle implements event.Handler for loop events.
func (c *console) Handle(_ context.Context, evt event.Event) error {
	p, ok := evt.Data().(event.LoopPayload)
	if !ok {
		return nil
	}
	switch evt.Type() {
	case event.ClientOutputDelta:
		fmt.Fprint(c.out, p.Content)
	case event.ClientInputRequested:
		fmt.Fprint(c.out, "\n> ")
	case event.LoopCompleted:
		c.mu.Lock()
		client := c.clients[p.NodeID]
		c.mu.Unlock()
		if client {
			c.signals.Detach(clientTarget, p.NodeID)
			fmt.Fprintln(c.out)
		}
	}
	return nil
}
