package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/carevox/internal/observe"
)

// maxFrameBytes caps one inbound WebSocket message.
const maxFrameBytes = 1 << 20

// Serve runs the session over conn until the client disconnects or ctx is
// done. The inbound and outbound loops share one errgroup, so either ending
// cancels the other. On exit any pending reply audio is discarded, not sent.
// A normal client disconnect returns nil.
func (c *Controller) Serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, span := observe.StartSpan(ctx, "session",
		trace.WithAttributes(attribute.String("session.id", c.id)),
	)
	defer span.End()

	if m := c.deps.Metrics; m != nil {
		m.ActiveSessions.Add(ctx, 1)
		defer m.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}
	conn.SetReadLimit(maxFrameBytes)
	c.log.Info("session: started", "agent", c.conv.ActiveAgent())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn) })
	g.Go(func() error { return c.Run(gctx) })
	err := g.Wait()

	c.packets.Reset()
	c.buffer.Reset()
	c.take()

	if isDisconnect(err) {
		c.log.Info("session: closed", "turns", c.seq)
		return nil
	}
	c.log.Warn("session: closed with error", "turns", c.seq, "err", err)
	return err
}

// readLoop is the inbound loop: binary frames are audio, text frames are
// control messages.
func (c *Controller) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("session: read: %w", err)
		}
		switch typ {
		case websocket.MessageBinary:
			c.HandleFrame(ctx, data)
		case websocket.MessageText:
			if err := c.HandleControl(ctx, data); err != nil {
				return err
			}
		}
	}
}

func isDisconnect(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}
