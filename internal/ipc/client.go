package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Common client errors.
var (
	ErrNotConnected = errors.New("ipc: not connected to broker")
	ErrTimeout      = errors.New("ipc: request timeout")
	ErrRemote       = errors.New("ipc: remote error")
)

// RemoteError is an error response from the broker, carrying the
// protocol error code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes RemoteError match ErrRemote.
func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// Client is a synchronous connection to one of the broker's sockets.
// A background read loop routes responses to in-flight requests and
// pushed messages (consent results, permission events) to PushHandler.
type Client struct {
	conn *net.UnixConn

	// PushHandler receives server-pushed messages: MsgPermissionResult,
	// MsgCompatPermissionResult and MsgPermissionEvent. Set before the
	// first request.
	PushHandler func(*Message)

	// RequestTimeout bounds each Call. Zero means no timeout.
	RequestTimeout time.Duration

	nextID  atomic.Uint32
	mu      sync.Mutex
	pending map[uint32]chan *Message
	closed  bool
	readErr error
}

// Dial connects to a broker socket. A missing socket means the broker
// is not registered on this device.
func Dial(socketPath string) (*Client, error) {
	addr := &net.UnixAddr{Name: socketPath, Net: "unix"}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, socketPath)
	}
	c := &Client{
		conn:           conn,
		pending:        make(map[uint32]chan *Message),
		RequestTimeout: 30 * time.Second,
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Call sends a request carrying req as JSON and decodes the matching
// response into resp (when resp is non-nil). A MsgError response is
// returned as a *RemoteError.
func (c *Client) Call(msgType MessageType, req, resp any) error {
	msg, err := Marshal(msgType, c.nextID.Add(1), req)
	if err != nil {
		return err
	}
	reply, err := c.roundTrip(msg)
	if err != nil {
		return err
	}
	if resp != nil {
		return Unmarshal(reply, resp)
	}
	return nil
}

// CallWithFiles is Call for responses that carry descriptors; the
// received files are returned alongside.
func (c *Client) CallWithFiles(msgType MessageType, req, resp any) ([]*os.File, error) {
	msg, err := Marshal(msgType, c.nextID.Add(1), req)
	if err != nil {
		return nil, err
	}
	reply, err := c.roundTrip(msg)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		if err := Unmarshal(reply, resp); err != nil {
			return nil, err
		}
	}
	return reply.Files, nil
}

func (c *Client) roundTrip(msg *Message) (*Message, error) {
	ch := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = ErrNotConnected
		}
		return nil, err
	}
	c.pending[msg.Header.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.Header.RequestID)
		c.mu.Unlock()
	}()

	if _, err := c.conn.Write(msg.Encode()); err != nil {
		return nil, fmt.Errorf("ipc: write: %w", err)
	}

	var timeout <-chan time.Time
	if c.RequestTimeout > 0 {
		t := time.NewTimer(c.RequestTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if reply.Header.Type == MsgError {
			var ep ErrorPayload
			if err := Unmarshal(reply, &ep); err != nil {
				return nil, err
			}
			return nil, &RemoteError{Code: ep.Code, Message: ep.Message}
		}
		return reply, nil
	case <-timeout:
		return nil, ErrTimeout
	}
}

func (c *Client) readLoop() {
	for {
		msg, err := readMessageWithFiles(c.conn)
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.readErr = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		switch msg.Header.Type {
		case MsgPermissionResult, MsgCompatPermissionResult, MsgPermissionEvent:
			if c.PushHandler != nil {
				c.PushHandler(msg)
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.Header.RequestID]
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}
