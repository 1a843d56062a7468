// SPDX-License-Identifier: ice License 1.0

package relay

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type (
	websocketDialer struct {
		dialer ws.Dialer
	}

	websocketConn struct {
		conn    net.Conn
		rw      io.ReadWriter
		writeMx sync.Mutex
	}
)

// NewWebsocketDialer is the production transport over gobwas websockets.
func NewWebsocketDialer() Dialer {
	return &websocketDialer{dialer: ws.DefaultDialer}
}

func (d *websocketDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	conn, br, _, err := d.dialer.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %v", url)
	}
	result := &websocketConn{conn: conn, rw: conn}
	if br != nil {
		// Handshake over-read, the buffered reader wraps the raw conn.
		result.rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}

	return result, nil
}

func (c *websocketConn) WriteMessage(data []byte) error {
	c.writeMx.Lock()
	defer c.writeMx.Unlock()

	return wsutil.WriteClientMessage(c.rw, ws.OpText, data)
}

func (c *websocketConn) ReadMessage() ([]byte, error) {
	for {
		data, op, err := wsutil.ReadServerData(c.rw)
		if err != nil {
			closed := new(wsutil.ClosedError)
			if errors.As(err, closed) {
				return nil, errors.Wrapf(ErrConnectionClosed, "relay closed connection: %v", closed.Code)
			}
			if errors.Is(err, io.EOF) {
				return nil, errors.Wrap(ErrConnectionClosed, "connection eof")
			}

			return nil, err
		}
		if op == ws.OpText && len(data) > 0 {
			return data, nil
		}
		// Binary and zero-length frames are out of contract, skip them.
	}
}

func (c *websocketConn) Close() error {
	c.writeMx.Lock()
	_ = wsutil.WriteClientMessage(c.rw, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	c.writeMx.Unlock()

	return c.conn.Close()
}
