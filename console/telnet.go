package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/rs/xid"

	"pipelined.dev/bci/operator"
)

// Telnet control bytes.
const (
	iac         = 255
	eraseChar   = 247
	eraseLine   = 248
	will        = 251
	dont        = 254
	backspace   = 0x08
	del         = 0x7f
	bell        = 0x07
	prompt      = ">"
	lineEnd     = "\r\n"
	helpMessage = "Type 'help' for a list of commands."
)

// ServeTelnet runs line console sessions for connections accepted by ln
// until ctx is done. ln is closed on return.
func (s *Server) ServeTelnet(ctx context.Context, ln net.Listener) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		ln.Close()
		s.closeSessions()
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if parent.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		id := xid.New().String()
		if !s.track(id, conn) {
			conn.Close()
			return nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.untrack(id)
			defer conn.Close()
			s.telnet(conn)
		}()
	}
}

// writer serializes writes of results and watch changes.
type writer struct {
	mu sync.Mutex
	w  io.Writer
}

// text writes s with CRLF line endings.
func (w *writer) text(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.w, strings.ReplaceAll(s, "\n", lineEnd))
	return err
}

// result writes the result followed by the prompt.
func (w *writer) result(s string) error {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return w.text(s + prompt)
}

// telnet runs a single line session.
func (s *Server) telnet(conn net.Conn) {
	logger := s.logger.WithField("remote", conn.RemoteAddr().String())
	w := writer{w: conn}
	i := s.interpreter(func(c operator.Change) {
		if err := w.text(fmt.Sprintf("\nwatch %s %.3f %s\n", c.ID, c.Time, formatValues(c.Values))); err != nil {
			logger.Debugf("write watch: %v", err)
		}
	})
	defer i.Close()
	logger.Debug("session started")
	defer logger.Debug("session ended")

	if err := w.text(fmt.Sprintf("bci version %s on %s\n%s\n%s", s.version, s.host, helpMessage, prompt)); err != nil {
		return
	}
	r := bufio.NewReader(conn)
	var line []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return
		}
		switch c {
		case '\n':
			result := i.Execute(string(line))
			line = line[:0]
			if i.Quit() {
				return
			}
			if err := w.result(result.Text); err != nil {
				return
			}
		case '\r', bell:
		case backspace, del:
			if len(line) > 0 {
				line = line[:len(line)-1]
			}
		case iac:
			cmd, err := r.ReadByte()
			if err != nil {
				return
			}
			switch {
			case cmd == eraseChar:
				if len(line) > 0 {
					line = line[:len(line)-1]
				}
			case cmd == eraseLine:
				line = line[:0]
			case cmd >= will && cmd <= dont:
				// option negotiation is ignored
				if _, err := r.ReadByte(); err != nil {
					return
				}
			case cmd == iac:
				line = append(line, iac)
			}
		default:
			line = append(line, c)
		}
	}
}

func formatValues(values []float64) string {
	s := make([]string, len(values))
	for i, v := range values {
		s[i] = fmt.Sprint(v)
	}
	return strings.Join(s, " ")
}
