// Package rdptest provides a scripted loopback server that speaks the
// session PDU framing, for engine and end-to-end tests.
package rdptest

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/rdpctl/internal/protocol/frame"
	"github.com/danmuck/rdpctl/internal/protocol/pdu"
	"github.com/danmuck/rdpctl/internal/protocol/schema"
)

// DefaultTimeout bounds every blocking step of a script.
const DefaultTimeout = 5 * time.Second

type Server struct {
	ln net.Listener
}

// NewServer listens on an ephemeral loopback port and closes it when the
// test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return &Server{ln: ln}
}

func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.ln.Addr().String())
	return host
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

// Script accepts the next connection and runs fn against it on a background
// goroutine. The returned channel yields fn's result once.
func (s *Server) Script(fn func(c *Conn) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		nc, err := s.ln.Accept()
		if err != nil {
			done <- fmt.Errorf("accept: %w", err)
			return
		}
		c := &Conn{conn: nc}
		defer nc.Close()
		done <- fn(c)
	}()
	return done
}

// Wait reads the script result or fails the test after DefaultTimeout.
func Wait(t testing.TB, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server script: %v", err)
		}
	case <-time.After(DefaultTimeout):
		t.Fatalf("server script timed out")
	}
}

// Conn is the server side of one client connection.
type Conn struct {
	conn net.Conn
	seq  atomic.Uint64
}

func (c *Conn) next() uint64 {
	return c.seq.Add(1)
}

func (c *Conn) ReadFrame() (frame.Frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(DefaultTimeout))
	return frame.ReadFrame(c.conn, frame.DefaultLimits())
}

// Expect reads frames until one of messageType arrives.
func (c *Conn) Expect(messageType uint16) (frame.Frame, error) {
	for {
		f, err := c.ReadFrame()
		if err != nil {
			return frame.Frame{}, fmt.Errorf("waiting for %s: %w", schema.Name(messageType), err)
		}
		if f.Header.MessageType == messageType {
			return f, nil
		}
	}
}

func (c *Conn) ReadConnectRequest() (pdu.ConnectRequest, error) {
	f, err := c.Expect(schema.MsgConnectRequest)
	if err != nil {
		return pdu.ConnectRequest{}, err
	}
	return pdu.DecodeConnectRequest(f)
}

// Accept reads the connect request and answers with a confirm that echoes
// the requested geometry and channel ids.
func (c *Conn) Accept() (pdu.ConnectRequest, error) {
	req, err := c.ReadConnectRequest()
	if err != nil {
		return pdu.ConnectRequest{}, err
	}
	err = c.Confirm(pdu.ConnectConfirm{
		ShareID:  0x103ea,
		Width:    req.Width,
		Height:   req.Height,
		Channels: req.Channels,
	})
	return req, err
}

func (c *Conn) Confirm(confirm pdu.ConnectConfirm) error {
	raw, err := pdu.EncodeConnectConfirm(c.next(), confirm)
	if err != nil {
		return err
	}
	return c.Send(raw)
}

func (c *Conn) SendBitmap(b pdu.BitmapUpdate) error {
	raw, err := pdu.EncodeBitmapUpdate(c.next(), b)
	if err != nil {
		return err
	}
	return c.Send(raw)
}

func (c *Conn) SendChannelData(id uint16, data []byte) error {
	raw, err := pdu.EncodeChannelData(c.next(), pdu.ChannelData{ChannelID: id, Data: data})
	if err != nil {
		return err
	}
	return c.Send(raw)
}

func (c *Conn) SendDisconnect(reason string) error {
	raw, err := pdu.EncodeDisconnect(c.next(), pdu.Disconnect{Reason: reason})
	if err != nil {
		return err
	}
	return c.Send(raw)
}

func (c *Conn) SendError(code uint32, reason string) error {
	raw, err := pdu.EncodeError(c.next(), pdu.ErrorNotice{Code: code, Reason: reason})
	if err != nil {
		return err
	}
	return c.Send(raw)
}

// Send writes raw bytes, split into two writes to exercise partial reads on
// the client.
func (c *Conn) Send(raw []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultTimeout))
	half := len(raw) / 2
	if _, err := c.conn.Write(raw[:half]); err != nil {
		return err
	}
	_, err := c.conn.Write(raw[half:])
	return err
}

// ExpectChannelData waits for a channel data PDU on id and returns its payload.
func (c *Conn) ExpectChannelData(id uint16) ([]byte, error) {
	for {
		f, err := c.Expect(schema.MsgChannelData)
		if err != nil {
			return nil, err
		}
		d, err := pdu.DecodeChannelData(f)
		if err != nil {
			return nil, err
		}
		if d.ChannelID == id {
			return d.Data, nil
		}
	}
}

// ExpectInput waits for the next input event.
func (c *Conn) ExpectInput() (pdu.InputEvent, error) {
	f, err := c.Expect(schema.MsgInputEvent)
	if err != nil {
		return pdu.InputEvent{}, err
	}
	return pdu.DecodeInputEvent(f)
}

// ReadUntilClosed drains frames until the client closes, returning the
// disconnect reason the client sent, if any.
func (c *Conn) ReadUntilClosed() (string, error) {
	reason := ""
	for {
		f, err := c.ReadFrame()
		if err != nil {
			if isClosed(err) {
				return reason, nil
			}
			return reason, err
		}
		if f.Header.MessageType == schema.MsgDisconnect {
			d, err := pdu.DecodeDisconnect(f)
			if err != nil {
				return reason, err
			}
			reason = d.Reason
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, frame.ErrShortHeader) || errors.Is(err, syscall.ECONNRESET)
}
