package plc

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultIOTimeout   = 5 * time.Second
	defaultSettleDelay = 200 * time.Millisecond
	defaultRetryBase   = 500 * time.Millisecond
	defaultRetryJitter = 200 * time.Millisecond

	// maxAttempts bounds both the connect loop and the send/receive loop.
	maxAttempts = 3

	// maxResponseBytes is read in one shot; the first two bytes are status and
	// position, the rest is kept verbatim for diagnostics.
	maxResponseBytes = 16
)

// Response is one decoded wire reply from the device.
type Response struct {
	Raw      byte
	Position byte
	Extra    []byte
}

// Link is a single session to one PLC. Implementations are not safe for
// concurrent use; callers serialize access through the device mutex.
type Link interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	// RoundTrip frames the command, waits the protocol settle, and reads the
	// reply. It reconnects and retries on I/O errors, raising PLC_CONN_ERROR
	// after retry exhaustion.
	RoundTrip(ctx context.Context, command byte, argument *byte) (Response, error)
}

type TCPLinkConfig struct {
	Logger *slog.Logger
	Addr   string

	IOTimeout   time.Duration
	SettleDelay time.Duration
	RetryBase   time.Duration
	RetryJitter time.Duration
}

func (c *TCPLinkConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Addr == "" {
		return errors.New("addr is required")
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = defaultIOTimeout
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = defaultSettleDelay
	}
	if c.RetryBase == 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryJitter == 0 {
		c.RetryJitter = defaultRetryJitter
	}
	return nil
}

// TCPLink drives the PLC's two-byte binary protocol over a TCP session. The
// device transiently refuses connections during its own movement cycles, so
// connect and round-trip failures retry on an exponential schedule before
// surfacing PLC_CONN_ERROR.
type TCPLink struct {
	log *slog.Logger
	cfg *TCPLinkConfig

	mu   sync.Mutex
	conn net.Conn
}

func NewTCPLink(cfg *TCPLinkConfig) (*TCPLink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TCPLink{
		log: cfg.Logger.With("plc", cfg.Addr),
		cfg: cfg,
	}, nil
}

// retrySchedule is the PLC reconnect schedule: base*2^(n-1) plus uniform
// jitter, n starting at 1.
type retrySchedule struct {
	base    time.Duration
	jitter  time.Duration
	attempt uint
}

func (s *retrySchedule) NextBackOff() time.Duration {
	d := s.base << s.attempt
	s.attempt++
	if s.jitter > 0 {
		d += time.Duration(rand.Int64N(int64(s.jitter)))
	}
	return d
}

func (s *retrySchedule) Reset() { s.attempt = 0 }

func (l *TCPLink) newBackOff(ctx context.Context) backoff.BackOffContext {
	schedule := &retrySchedule{base: l.cfg.RetryBase, jitter: l.cfg.RetryJitter}
	return backoff.WithContext(backoff.WithMaxRetries(schedule, maxAttempts-1), ctx)
}

// Connect establishes the session, retrying up to three times. A successful
// connect leaves the socket live for subsequent round trips.
func (l *TCPLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	err := backoff.Retry(func() error {
		return l.dialLocked(ctx)
	}, l.newBackOff(ctx))
	if err != nil {
		return WrapErr(KindConnError, err, "connect to plc %s failed after %d attempts", l.cfg.Addr, maxAttempts)
	}
	return nil
}

func (l *TCPLink) dialLocked(ctx context.Context) error {
	d := net.Dialer{Timeout: l.cfg.IOTimeout}
	conn, err := d.DialContext(ctx, "tcp", l.cfg.Addr)
	if err != nil {
		l.log.Debug("dial failed", "error", err)
		return err
	}
	l.conn = conn
	l.log.Debug("connected")
	return nil
}

func (l *TCPLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *TCPLink) closeLocked() error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

func (l *TCPLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *TCPLink) RoundTrip(ctx context.Context, command byte, argument *byte) (Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var resp Response
	op := func() error {
		if l.conn == nil {
			if err := l.dialLocked(ctx); err != nil {
				return err
			}
		}

		frame := []byte{command}
		if argument != nil {
			frame = append(frame, *argument)
		}
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.cfg.IOTimeout)); err != nil {
			l.closeLocked() //nolint:errcheck
			return err
		}
		if _, err := l.conn.Write(frame); err != nil {
			l.log.Debug("send failed", "error", err)
			l.closeLocked() //nolint:errcheck
			return err
		}
		l.log.Debug("frame sent", "command", command, "frame_len", len(frame))

		// Protocol settle: the PLC needs a pause between command and reply.
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-time.After(l.cfg.SettleDelay):
		}

		if err := l.conn.SetReadDeadline(time.Now().Add(l.cfg.IOTimeout)); err != nil {
			l.closeLocked() //nolint:errcheck
			return err
		}
		buf := make([]byte, maxResponseBytes)
		n, err := l.conn.Read(buf)
		if err != nil {
			l.log.Debug("receive failed", "error", err)
			l.closeLocked() //nolint:errcheck
			return err
		}
		if n < 2 {
			l.closeLocked() //nolint:errcheck
			return backoff.Permanent(Errorf(KindConnError, "truncated response from plc %s: got %d bytes", l.cfg.Addr, n))
		}
		resp = Response{Raw: buf[0], Position: buf[1], Extra: append([]byte(nil), buf[2:n]...)}
		return nil
	}

	if err := backoff.Retry(op, l.newBackOff(ctx)); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return Response{}, err
		}
		return Response{}, WrapErr(KindConnError, err, "plc %s round trip failed after %d attempts", l.cfg.Addr, maxAttempts)
	}
	return resp, nil
}
