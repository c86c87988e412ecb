package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"pipelined.dev/bci/log"
	"pipelined.dev/bci/metric"
)

var (
	// ErrBadConnection is returned when connection is closed or broken.
	ErrBadConnection = errors.New("bad connection")
	// ErrTimeout is returned when the peer didn't answer in time.
	ErrTimeout = errors.New("connection timeout")
)

// Handler applies a received message.
type Handler interface {
	Handle(*Conn, Message) error
}

// HandlerFunc allows to use functions as handlers.
type HandlerFunc func(*Conn, Message) error

// Handle calls fn.
func (fn HandlerFunc) Handle(c *Conn, m Message) error {
	return fn(c, m)
}

// Conn is a message connection over a byte stream. A background reader
// decodes incoming frames into a queue, the owner drains it with
// HandleMessages. Failures of the stream don't panic: they are recorded and
// reported by Bad and Err after the queued messages are drained.
type Conn struct {
	id      string
	name    string
	conn    net.Conn
	local   bool
	logger  *logrus.Entry
	traffic metric.Traffic

	version atomic.Int32

	wmu sync.Mutex
	w   *bufio.Writer

	qmu   sync.Mutex
	queue []Message
	err   error
	ready chan struct{}
	done  chan struct{}

	messagesSent, messagesRecv atomic.Int64
	bytesSent, bytesRecv       atomic.Int64

	smu    sync.Mutex
	status string
}

// Option configures a connection.
type Option func(*Conn)

// WithLogger sets connection logger.
func WithLogger(l log.Logger) Option {
	return func(c *Conn) {
		c.logger = l.WithField("conn", c.name)
	}
}

// NewConn wraps c and starts reading it. Name is used in logs, metrics and
// diagnostics.
func NewConn(c net.Conn, name string, options ...Option) *Conn {
	conn := Conn{
		id:    xid.New().String(),
		name:  name,
		conn:  c,
		w:     bufio.NewWriter(c),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	conn.logger = log.Silent().WithField("conn", name)
	for _, option := range options {
		option(&conn)
	}
	conn.traffic = metric.NewTraffic(name)
	conn.local = IsLocal(c.RemoteAddr())
	conn.version.Store(int32(Initial))
	go conn.read()
	return &conn
}

func (c *Conn) read() {
	defer close(c.done)
	r := bufio.NewReader(c.conn)
	for {
		m, n, err := Read(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = fmt.Errorf("%w: %s closed", ErrBadConnection, c.name)
			} else if !errors.Is(err, ErrMalformed) {
				err = fmt.Errorf("%w: %s: %v", ErrBadConnection, c.name, err)
			}
			c.logger.Debugf("reader stopped: %v", err)
			c.qmu.Lock()
			c.err = err
			c.qmu.Unlock()
			c.notify()
			// unblock the peer, no more messages are accepted.
			c.conn.Close()
			return
		}
		c.messagesRecv.Add(1)
		c.bytesRecv.Add(int64(n))
		c.traffic.Received(n)
		c.qmu.Lock()
		c.queue = append(c.queue, m)
		c.qmu.Unlock()
		c.notify()
	}
}

func (c *Conn) notify() {
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

// ID is a unique connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// Name returns connection name.
func (c *Conn) Name() string {
	return c.name
}

// Address returns remote address.
func (c *Conn) Address() string {
	return c.conn.RemoteAddr().String()
}

// Ready is signalled when messages were queued or the connection failed.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// Pending returns number of queued messages.
func (c *Conn) Pending() int {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return len(c.queue)
}

// HandleMessages applies all queued messages in receipt order without
// blocking. Draining stops at the first handler error; the failed message
// is dropped and the rest stay queued.
func (c *Conn) HandleMessages(h Handler) error {
	for {
		c.qmu.Lock()
		if len(c.queue) == 0 {
			c.qmu.Unlock()
			return nil
		}
		m := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.qmu.Unlock()
		if err := h.Handle(c, m); err != nil {
			return err
		}
	}
}

// Next returns the next queued message or waits for it until timeout.
func (c *Conn) Next(timeout time.Duration) (Message, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		c.qmu.Lock()
		if len(c.queue) > 0 {
			m := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.qmu.Unlock()
			return m, nil
		}
		err := c.err
		c.qmu.Unlock()
		if err != nil {
			return nil, err
		}
		select {
		case <-c.ready:
		case <-t.C:
			return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, c.name, timeout)
		}
	}
}

// Send writes message. It's safe to call from multiple goroutines.
func (c *Conn) Send(m Message) error {
	if err := c.Err(); err != nil {
		return err
	}
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(frame); err != nil {
		return c.fail(err)
	}
	if err := c.w.Flush(); err != nil {
		return c.fail(err)
	}
	c.messagesSent.Add(1)
	c.bytesSent.Add(int64(len(frame)))
	c.traffic.Sent(len(frame))
	return nil
}

// SendAll writes messages in order and stops at the first error.
func (c *Conn) SendAll(ms ...Message) error {
	for _, m := range ms {
		if err := c.Send(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) fail(err error) error {
	err = fmt.Errorf("%w: %s: %v", ErrBadConnection, c.name, err)
	c.qmu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.qmu.Unlock()
	c.notify()
	return err
}

// Bad reports whether connection failed.
func (c *Conn) Bad() bool {
	return c.Err() != nil
}

// Err returns the failure of connection if any.
func (c *Conn) Err() error {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return c.err
}

// Close closes the stream and waits for the reader to stop.
func (c *Conn) Close() error {
	err := c.conn.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// IsLocal reports whether peer runs on this host.
func (c *Conn) IsLocal() bool {
	return c.local
}

// Version returns effective protocol version.
func (c *Conn) Version() Version {
	return Version(c.version.Load())
}

// SetVersion sets effective protocol version.
func (c *Conn) SetVersion(v Version) {
	c.version.Store(int32(v))
}

// Provides reports whether feature is available on this connection.
func (c *Conn) Provides(feature Version) bool {
	return c.Version().Provides(feature)
}

// SetStatus sets diagnostic status text.
func (c *Conn) SetStatus(s string) {
	c.smu.Lock()
	c.status = s
	c.smu.Unlock()
}

// Info returns connection record.
func (c *Conn) Info() ConnectionInfo {
	c.smu.Lock()
	status := c.status
	c.smu.Unlock()
	return ConnectionInfo{
		Version:          c.Version(),
		Name:             c.name,
		Address:          c.Address(),
		Local:            c.local,
		Status:           status,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesRecv.Load(),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesRecv.Load(),
	}
}

// ConnectionInfo is a diagnostic record of a connection.
type ConnectionInfo struct {
	Version          Version `json:"version"`
	Name             string  `json:"name"`
	Address          string  `json:"address"`
	Local            bool    `json:"local"`
	Status           string  `json:"status"`
	MessagesSent     int64   `json:"messagesSent"`
	MessagesReceived int64   `json:"messagesReceived"`
	BytesSent        int64   `json:"bytesSent"`
	BytesReceived    int64   `json:"bytesReceived"`
}

func perMessage(bytes, messages int64) float64 {
	if messages == 0 {
		return 0
	}
	return float64(bytes) / float64(messages)
}

// String renders the record as text block.
func (i ConnectionInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Protocol Version: %s\n", i.Version)
	fmt.Fprintf(&b, "Name: %s\n", i.Name)
	fmt.Fprintf(&b, "Address: %s\n", i.Address)
	fmt.Fprintf(&b, "Local: %t\n", i.Local)
	fmt.Fprintf(&b, "Status: %s\n", i.Status)
	fmt.Fprintf(&b, "Messages received: %d\n", i.MessagesReceived)
	fmt.Fprintf(&b, "Bytes per message received: %.1f\n", perMessage(i.BytesReceived, i.MessagesReceived))
	fmt.Fprintf(&b, "Messages sent: %d\n", i.MessagesSent)
	fmt.Fprintf(&b, "Bytes per message sent: %.1f\n", perMessage(i.BytesSent, i.MessagesSent))
	return b.String()
}

// IsLocal reports whether addr is one of this host's addresses.
func IsLocal(addr net.Addr) bool {
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return false
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && n.IP.Equal(ip) {
			return true
		}
	}
	return false
}

// Dial connects to addr. A failed attempt is retried once after retry
// delay.
func Dial(ctx context.Context, addr, name string, retry time.Duration, options ...Option) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil && retry > 0 {
		select {
		case <-time.After(retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrBadConnection, addr, err)
	}
	return NewConn(c, name, options...), nil
}

// Handshake announces local version and waits for the peer's announcement.
// Effective version is the minimum of both. If the peer doesn't answer
// within timeout, connection stays at Initial version and ErrTimeout is
// returned; the connection remains usable. Messages received before the
// announcement are kept in the queue.
func (c *Conn) Handshake(local Version, timeout time.Duration) error {
	if err := c.Send(VersionMessage(local)); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		c.qmu.Lock()
		for i, m := range c.queue {
			if pv, ok := m.(ProtocolVersion); ok {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				c.qmu.Unlock()
				c.SetVersion(Negotiate(local, pv.Major))
				return nil
			}
		}
		err := c.err
		c.qmu.Unlock()
		if err != nil {
			return err
		}
		left := time.Until(deadline)
		if left <= 0 {
			c.SetVersion(Initial)
			return fmt.Errorf("%w: %s did not announce protocol version", ErrTimeout, c.name)
		}
		select {
		case <-c.ready:
		case <-time.After(left):
		}
	}
}
