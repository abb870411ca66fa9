/************************************************************************************
 *
 * wyre, a lightweight Go client for the Discord gateway and REST API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 The Wyre Authors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package wyre

import (
	"context"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// wsConn is the thin WebSocket transport (C4) a Shard drives. It exposes
// only framing primitives; the shard owns all protocol state (hello,
// identify/resume, heartbeat, sequence tracking).
type wsConn struct {
	conn   net.Conn
	zlib   *zlibReaderWrapper // non-nil when gateway compression is enabled
	zlibOn bool
}

// newWSConn dials url and returns an open connection. The caller is
// responsible for eventually calling close or terminate.
func newWSConn(ctx context.Context, url string, compression bool) (*wsConn, error) {
	dialer := ws.Dialer{}
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c := &wsConn{conn: conn, zlibOn: compression}
	if compression {
		c.zlib = AcquireZlibReader()
	}
	return c, nil
}

// read blocks for the next complete gateway message. When zlib-stream
// compression is enabled and a frame is only a fragment of a compressed
// message, read returns (nil, nil) and the caller should read again.
func (c *wsConn) read() ([]byte, error) {
	msg, op, err := wsutil.ReadServerData(c.conn)
	if err != nil {
		return nil, err
	}
	if op == ws.OpClose {
		return nil, net.ErrClosed
	}
	if op != ws.OpText && op != ws.OpBinary {
		return nil, nil
	}
	if !c.zlibOn {
		return msg, nil
	}
	return c.zlib.Decompress(msg)
}

// send writes a single text frame (a serialized gateway payload).
func (c *wsConn) send(payload []byte) error {
	return wsutil.WriteClientMessage(c.conn, ws.OpText, payload)
}

// close sends a close frame with the given code/reason and shuts down
// the underlying connection. Used for the shard's graceful paths (code
// 1000, or a reconnectable platform close code the shard itself chose to
// issue).
func (c *wsConn) close(code ws.StatusCode, reason string) error {
	defer c.release()
	body := ws.NewCloseFrameBody(code, reason)
	frame := ws.NewCloseFrame(body)
	if err := ws.WriteFrame(c.conn, frame); err != nil {
		c.conn.Close()
		return err
	}
	return c.conn.Close()
}

// terminate drops the connection without a close handshake, for the
// restart and failed-spawn-attempt paths where a graceful close is not
// worth the wait.
func (c *wsConn) terminate() error {
	defer c.release()
	return c.conn.Close()
}

func (c *wsConn) release() {
	if c.zlib != nil {
		ReleaseZlibReader(c.zlib)
		c.zlib = nil
	}
}
