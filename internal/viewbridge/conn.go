package viewbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"gnar-go/internal/feed"
)

// conn is one renderer connection. The reader goroutine handles inbound
// messages; all data frames are written by the writer goroutine.
type conn struct {
	ws     *websocket.Conn
	feed   *feed.Feed
	viewer string
	logger feed.Logger
	opts   Options

	dirty  chan struct{}
	errors chan errorMessage
}

func newConn(ws *websocket.Conn, f *feed.Feed, viewer string, logger feed.Logger, opts Options) *conn {
	return &conn{
		ws:     ws,
		feed:   f,
		viewer: viewer,
		logger: logger,
		opts:   opts,
		dirty:  make(chan struct{}, 1),
		errors: make(chan errorMessage, 16),
	}
}

func (c *conn) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.ws.Close()

	remove := c.feed.OnChange(c.markDirty)
	defer remove()
	if err := c.feed.Start(ctx); err != nil {
		return err
	}
	defer c.feed.Stop()

	writerDone := make(chan error, 1)
	go func() {
		err := c.writeLoop(ctx)
		if err != nil {
			// Unblock the reader.
			c.ws.Close()
		}
		writerDone <- err
	}()

	readErr := c.readLoop(ctx)
	cancel()
	writeErr := <-writerDone
	if readErr != nil && writeErr == nil {
		return readErr
	}
	return writeErr
}

func (c *conn) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *conn) report(m errorMessage) {
	select {
	case c.errors <- m:
	default:
		c.logger.Warn("dropping error frame for slow renderer", "op", m.Op, "post", m.PostID)
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(c.opts.WriteTimeout)
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			c.ws.SetReadDeadline(deadline)
			return nil

		case <-c.dirty:
			if err := c.write(itemsFrame(c.feed.Items(), c.viewer)); err != nil {
				return err
			}
			if err := c.feed.Err(); err != nil && err != lastErr {
				lastErr = err
				if err := c.write(errorFrame("subscribe", "", err)); err != nil {
					return err
				}
			}

		case m := <-c.errors:
			if err := c.write(m); err != nil {
				return err
			}

		case <-ping.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return fmt.Errorf("writing ping: %w", err)
			}
		}
	}
}

func (c *conn) write(v any) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading message: %w", err)
		}

		var msg inMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.report(errorFrame("decode", "", err))
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *conn) handle(ctx context.Context, msg inMessage) {
	tracker := c.feed.Tracker()
	var err error
	switch msg.Type {
	case msgVisible:
		tracker.OnVisibilityChanged(msg.Keys)
	case msgAreas:
		tracker.ReportAreas(msg.Areas)
	case msgFocus:
		tracker.Focus()
	case msgBlur:
		tracker.Blur()
	case msgLike:
		err = c.feed.SetLike(ctx, msg.PostID, true)
	case msgUnlike:
		err = c.feed.SetLike(ctx, msg.PostID, false)
	case msgCommentAdd:
		err = c.feed.AddComment(ctx, msg.PostID, msg.Text)
	case msgCommentDelete:
		err = c.feed.DeleteComment(ctx, msg.PostID, feed.Comment{Author: c.viewer, Text: msg.Text})
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("renderer message failed", "type", msg.Type, "post", msg.PostID, "error", err)
		c.report(errorFrame(msg.Type, msg.PostID, err))
	}
}
