package hl7

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NegativeAckError is returned when the remote answers with AE or AR. It is
// not retried: the remote has seen the message and rejected it.
type NegativeAckError struct {
	Code      AckCode
	ControlID string
	Text      string
}

func (e *NegativeAckError) Error() string {
	return fmt.Sprintf("negative acknowledgment %s for %s: %s", e.Code, e.ControlID, e.Text)
}

// SenderConfig configures the outbound sender.
type SenderConfig struct {
	Host       string
	Port       int
	Timeout    time.Duration
	Attempts   int
	RetryDelay time.Duration
}

// MLLPClient delivers messages to a remote MLLP endpoint and waits for the
// acknowledgment, retrying transport failures with a fixed delay.
type MLLPClient struct {
	addr       string
	timeout    time.Duration
	attempts   int
	retryDelay time.Duration
	dialer     net.Dialer
}

func NewMLLPClient(cfg SenderConfig) *MLLPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	return &MLLPClient{
		addr:       net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		timeout:    cfg.Timeout,
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
	}
}

// Addr returns the remote endpoint.
func (c *MLLPClient) Addr() string {
	return c.addr
}

// Budget is the longest a single SendMessage call can block: every attempt
// may spend the timeout on both connect and acknowledgment, with the retry
// delay between attempts.
func (c *MLLPClient) Budget() time.Duration {
	return time.Duration(c.attempts)*2*c.timeout + time.Duration(c.attempts-1)*c.retryDelay
}

// SendMessage frames and transmits message, then blocks for the
// acknowledgment. After the last attempt the final error is returned.
func (c *MLLPClient) SendMessage(ctx context.Context, message []byte) (*Message, error) {
	var ack *Message
	attempt := 0

	operation := func() error {
		attempt++
		result, err := c.sendOnce(ctx, message)
		if err != nil {
			var nak *NegativeAckError
			if errors.As(err, &nak) {
				return backoff.Permanent(err)
			}
			return err
		}
		ack = result
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.attempts-1)),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		slog.Warn("HL7 delivery failed, retrying",
			"address", c.addr,
			"attempt", attempt,
			"maxAttempts", c.attempts,
			"retryIn", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return nil, fmt.Errorf("deliver to %s after %d attempt(s): %w", c.addr, attempt, err)
	}
	return ack, nil
}

func (c *MLLPClient) sendOnce(ctx context.Context, message []byte) (*Message, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.addr, err)
	}
	defer conn.Close()

	slog.Debug("Connected to HL7 endpoint", "address", c.addr)

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	body := UnwrapMLLP(message)
	want := ""
	if header, err := ParseHeader(body); err == nil {
		want = header.ControlID
	}
	frame := Encode(body)
	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	slog.Debug("HL7 message sent", "size", len(frame))

	payload, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read acknowledgment: %w", err)
	}

	ack, err := Parse(payload)
	if err != nil {
		return nil, fmt.Errorf("parse acknowledgment: %w", err)
	}

	if got := controlIDOf(ack); want != "" && got != want {
		return nil, fmt.Errorf("acknowledgment for %q does not match message %q", got, want)
	}

	code := AckCodeOf(ack)
	switch code {
	case AckAccept, "CA":
	default:
		text := ""
		if msa := ack.Segment("MSA"); msa != nil {
			text = msa.Field(3)
		}
		return nil, &NegativeAckError{Code: code, ControlID: controlIDOf(ack), Text: text}
	}

	slog.Info("HL7 message delivered",
		"address", c.addr,
		"messageControlID", controlIDOf(ack),
		"ackCode", code)
	return ack, nil
}

func controlIDOf(ack *Message) string {
	if msa := ack.Segment("MSA"); msa != nil {
		return msa.Field(2)
	}
	return ack.ControlID
}

// readFrame reads from conn until one complete frame is available.
func readFrame(conn net.Conn) ([]byte, error) {
	decoder := NewDecoder(DefaultMaxFrameSize)
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, _ := decoder.Feed(buf[:n])
			if len(frames) > 0 {
				return frames[0], nil
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// UnwrapMLLP removes an MLLP wrapper if the message already carries one.
func UnwrapMLLP(message []byte) []byte {
	if len(message) > 0 && message[0] == StartBlock {
		message = message[1:]
	}
	if n := len(message); n >= 2 && message[n-2] == EndBlock && message[n-1] == CarriageReturn {
		message = message[:n-2]
	}
	return message
}

// TestConnection tests if the HL7 endpoint is reachable
func (c *MLLPClient) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("connection test failed %s: %w", c.addr, err)
	}
	return conn.Close()
}
