package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// StdIO implements a Transport over a pair of byte streams, typically the process's
// stdin/stdout or a child process's pipes. Messages are framed as newline-delimited JSON.
//
// Writes are funneled through a single writer goroutine so concurrent Send calls never
// interleave their bytes. Inbound lines are parsed on a reader goroutine and delivered through
// OnMessage in the order they were read; a line that is not valid JSON is reported through
// OnError and skipped.
//
// When the reader or writer implements io.Closer it is closed on Disconnect, which unblocks a
// pending read and signals EOF to the peer. Reaching EOF on the reader is treated as a peer
// disconnect. A StdIO is single-use: it cannot be connected again after it was disconnected.
//
// Instances must be created with NewStdIO or NewStdIOCommand.
type StdIO struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	cmd            *exec.Cmd
	cmdStderr      io.Writer
	cmdStopTimeout time.Duration

	callbacks callbackSlots

	mu        sync.Mutex
	connected bool
	closed    bool

	writeMessages chan stdIOMessage
	done          chan struct{}
	readClosed    chan struct{}
	writeClosed   chan struct{}

	disconnectOnce sync.Once
	disconnectErr  error
}

// StdIOOption configures a StdIO transport.
type StdIOOption func(*StdIO)

type stdIOMessage struct {
	msg  []byte
	errs chan error
}

const defaultCommandStopTimeout = 2 * time.Second

// WithStdIOLogger sets the logger of the transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStdIOCommandStderr forwards the child's stderr to w. Only used by NewStdIOCommand.
func WithStdIOCommandStderr(w io.Writer) StdIOOption {
	return func(s *StdIO) {
		s.cmdStderr = w
	}
}

// WithStdIOCommandStopTimeout sets how long Disconnect waits for the child to exit after its
// stdin was closed before killing it. Only used by NewStdIOCommand.
func WithStdIOCommandStopTimeout(timeout time.Duration) StdIOOption {
	return func(s *StdIO) {
		s.cmdStopTimeout = timeout
	}
}

// NewStdIO creates a StdIO transport that reads messages from reader and writes messages to
// writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) *StdIO {
	s := newStdIO(options...)
	s.reader = reader
	s.writer = writer
	return s
}

// NewStdIOCommand creates a StdIO transport that spawns name with args on Connect and talks
// to the child over its stdin and stdout. Disconnect closes the child's stdin and waits for it
// to exit, killing it if it does not exit in time.
func NewStdIOCommand(name string, args []string, options ...StdIOOption) *StdIO {
	s := newStdIO(options...)
	s.cmd = exec.Command(name, args...)
	return s
}

func newStdIO(options ...StdIOOption) *StdIO {
	s := &StdIO{
		logger:         slog.Default(),
		cmdStopTimeout: defaultCommandStopTimeout,
		writeMessages:  make(chan stdIOMessage),
		done:           make(chan struct{}),
		readClosed:     make(chan struct{}),
		writeClosed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// SetCallbacks implements Transport.
func (s *StdIO) SetCallbacks(callbacks TransportCallbacks) {
	s.callbacks.set(callbacks)
}

// Connect implements Transport. For a command transport it starts the child process.
func (s *StdIO) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		err := newTransportError("connect", errors.New("transport already disconnected"))
		s.callbacks.error(err)
		return err
	}

	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		tErr := newTransportError("connect", err)
		s.callbacks.error(tErr)
		return tErr
	}

	if s.cmd != nil {
		if err := s.startCommand(); err != nil {
			s.mu.Unlock()
			tErr := newTransportError("connect", err)
			s.callbacks.error(tErr)
			return tErr
		}
	}

	if s.reader == nil || s.writer == nil {
		s.mu.Unlock()
		tErr := newTransportError("connect", errors.New("reader and writer are required"))
		s.callbacks.error(tErr)
		return tErr
	}

	s.connected = true
	s.mu.Unlock()

	go s.processWriteMessages()
	go s.readMessages()

	s.callbacks.connected()
	return nil
}

// Send implements Transport.
func (s *StdIO) Send(ctx context.Context, msg JSONRPCMessage) error {
	s.mu.Lock()
	connected := s.connected && !s.closed
	s.mu.Unlock()
	if !connected {
		err := newTransportError("send", ErrNotConnected)
		s.callbacks.error(err)
		return err
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdIOMessage{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message for the writer goroutine so concurrent sends never interleave.
	select {
	case <-ctx.Done():
		return s.sendFailed(ctx.Err())
	case <-s.done:
		return s.sendFailed(ErrNotConnected)
	case s.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return s.sendFailed(err)
		}
		return nil
	case <-ctx.Done():
		return s.sendFailed(ctx.Err())
	case <-s.done:
		return s.sendFailed(ErrNotConnected)
	}
}

// Disconnect implements Transport. It is safe to call multiple times and from callbacks.
func (s *StdIO) Disconnect() error {
	s.disconnect()
	return s.disconnectErr
}

func (s *StdIO) sendFailed(err error) error {
	tErr := newTransportError("send", err)
	s.logger.Error("failed to send message", "err", tErr)
	s.callbacks.error(tErr)
	return tErr
}

func (s *StdIO) startCommand() error {
	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if s.cmdStderr != nil {
		s.cmd.Stderr = s.cmdStderr
	}
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", s.cmd.Path, err)
	}
	s.reader = stdout
	s.writer = stdin
	return nil
}

func (s *StdIO) disconnect() {
	s.disconnectOnce.Do(func() {
		s.mu.Lock()
		wasConnected := s.connected
		s.closed = true
		s.mu.Unlock()

		close(s.done)

		var errs []error
		if c, ok := s.writer.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close writer: %w", err))
			}
		}
		if s.cmd == nil {
			if c, ok := s.reader.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("failed to close reader: %w", err))
				}
			}
		}

		if wasConnected {
			<-s.writeClosed
			if s.cmd != nil {
				if err := s.waitCommand(); err != nil {
					errs = append(errs, err)
				}
			}
		}

		s.disconnectErr = errors.Join(errs...)
		if wasConnected {
			s.callbacks.disconnected()
		}
	})
}

func (s *StdIO) waitCommand() error {
	exited := make(chan error, 1)
	go func() { exited <- s.cmd.Wait() }()

	select {
	case err := <-exited:
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return fmt.Errorf("failed to wait for %s: %w", s.cmd.Path, err)
		}
		return nil
	case <-time.After(s.cmdStopTimeout):
		s.logger.Warn("command did not exit in time, killing it", slog.String("path", s.cmd.Path))
		if err := s.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill %s: %w", s.cmd.Path, err)
		}
		<-exited
		return nil
	}
}

func (s *StdIO) readMessages() {
	defer close(s.readClosed)

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)

		if len(line) > 0 && !s.isClosed() {
			msg, pErr := parseJSONRPCMessage(line)
			if pErr != nil {
				s.logger.Error("failed to unmarshal message", "err", pErr)
				s.callbacks.error(pErr)
			} else {
				s.callbacks.message(msg, nil)
			}
		}

		if err != nil {
			if s.isClosed() {
				return
			}
			if !errors.Is(err, io.EOF) {
				tErr := newTransportError("read", err)
				s.logger.Error("failed to read message", "err", tErr)
				s.callbacks.error(tErr)
			}
			// The peer went away, tear down our side.
			go s.disconnect()
			return
		}
	}
}

func (s *StdIO) processWriteMessages() {
	defer close(s.writeClosed)

	for {
		// Process writing the message queue until the session is closed.
		var msg stdIOMessage
		select {
		case <-s.done:
			return
		case msg = <-s.writeMessages:
		}

		_, err := s.writer.Write(msg.msg)

		msg.errs <- err
	}
}

func (s *StdIO) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
