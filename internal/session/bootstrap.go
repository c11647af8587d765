package session

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/danmuck/xlogship/internal/logging"
)

// Dial opens the bootstrap stream to addr, retrying with backoff up to
// cfg.ConnectAttempts times.
func Dial(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	cfg = cfg.WithDefaults()
	log := logging.For("session")
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}

	var lastErr error
	for attempt := 1; attempt <= cfg.ConnectAttempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Debug().Str("addr", addr).Int("attempt", attempt).Msg("bootstrap connected")
			return conn, nil
		}
		lastErr = err
		if attempt == cfg.ConnectAttempts {
			break
		}
		delay := NextBackoffDelay(cfg.Backoff, attempt, rng)
		log.Warn().Err(err).Str("addr", addr).Int("attempt", attempt).Dur("retry_in", delay).Msg("bootstrap dial failed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("session: dial %s after %d attempts: %w", addr, cfg.ConnectAttempts, lastErr)
}

type deadlineListener interface {
	SetDeadline(time.Time) error
}

// Accept waits for one bootstrap connection on ln or until ctx ends.
func Accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	if d, ok := ln.(deadlineListener); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = d.SetDeadline(time.Unix(1, 0))
		})
		defer func() {
			if stop() {
				return
			}
			_ = d.SetDeadline(time.Time{})
		}()
	}
	conn, err := ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return conn, nil
}
