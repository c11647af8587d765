package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/xlogship/internal/admin"
	"github.com/danmuck/xlogship/internal/completion"
	"github.com/danmuck/xlogship/internal/logging"
	"github.com/danmuck/xlogship/internal/memreg"
	"github.com/danmuck/xlogship/internal/session"
	"github.com/danmuck/xlogship/internal/shipper"
	"github.com/danmuck/xlogship/internal/verbs"
	"github.com/danmuck/xlogship/internal/xlog"
	"github.com/rs/zerolog"
)

func main() {
	path := flag.String("config", "cmd/xlogship/ex.config.toml", "config path")
	flag.Parse()
	logging.ConfigureRuntime()

	cfg, err := loadShipConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xlogship: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "xlogship: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg shipConfig) (err error) {
	log := logging.For("xlogship")

	dev, err := verbs.OpenDevice(cfg.Device)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, dev.Close()) }()

	reg := memreg.New(dev)
	desc, err := reg.Register(xlog.NewArena(cfg.geometry()), memreg.LocalReadWrite)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, reg.Unregister(desc)) }()

	sess, err := session.New(dev, reg, desc, session.RoleInitiator, cfg.Session)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, sess.Close()) }()

	conn, err := session.Dial(ctx, cfg.StoreAddress, cfg.Session)
	if err != nil {
		return err
	}
	err = sess.Handshake(ctx, conn)
	_ = conn.Close()
	if err != nil {
		return err
	}

	sh, err := shipper.New(sess, completion.New(sess), cfg.Shipper)
	if err != nil {
		return err
	}

	if cfg.AdminListen != "" {
		srv, err := startAdmin(cfg.AdminListen, sess, sh, log)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	last, err := shipAll(ctx, cfg, sh, log)
	if err != nil {
		return err
	}
	if last > 0 && cfg.Shipper.CheckCommit {
		awaitCommit(ctx, sh, last, cfg.Shipper.PollTimeout, log)
	}
	return nil
}

// shipAll ships cfg.Entries payloads, or until ctx ends when Entries is
// zero. A busy slot is retried after the pacing delay; any other data-path
// failure ends the session.
func shipAll(ctx context.Context, cfg shipConfig, sh *shipper.Shipper, log zerolog.Logger) (uint64, error) {
	var last uint64
	for i := 0; cfg.Entries == 0 || i < cfg.Entries; i++ {
		payload := []byte(fmt.Sprintf("%s%d", cfg.PayloadPrefix, i))
		for {
			res, err := sh.Ship(ctx, payload)
			if errors.Is(err, xlog.ErrSlotBusy) {
				if !sleep(ctx, max(cfg.Shipper.Pacing, time.Millisecond)) {
					return last, nil
				}
				continue
			}
			if err != nil && ctx.Err() != nil {
				log.Info().Uint64("last_lsn", last).Msg("interrupted")
				return last, nil
			}
			if err != nil {
				return last, err
			}
			last = res.LSN
			log.Info().
				Uint64("lsn", res.LSN).
				Str("payload", string(payload)).
				Bool("committed", res.Committed).
				Uint64("flush_lsn", res.FlushLSN).
				Msg("shipped")
			break
		}
	}
	return last, nil
}

func awaitCommit(ctx context.Context, sh *shipper.Shipper, lsn uint64, limit time.Duration, log zerolog.Logger) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		ok, flush, err := sh.CommitStatus(ctx, lsn)
		if err != nil {
			log.Warn().Err(err).Msg("commit check failed")
			return
		}
		if ok {
			log.Info().Uint64("lsn", lsn).Uint64("flush_lsn", flush).Msg("all entries committed")
			return
		}
		if !sleep(ctx, 50*time.Millisecond) {
			return
		}
	}
	log.Warn().Uint64("lsn", lsn).Msg("commit not observed; entries may still be pending")
}

func startAdmin(addr string, sess *session.Session, sh *shipper.Shipper, log zerolog.Logger) (*admin.Server, error) {
	srv := admin.New("producer", func() any {
		return map[string]any{
			"session":  sess.State().String(),
			"next_lsn": sh.NextLSN(),
			"remote":   sess.RemoteDescriptor().String(),
		}
	})
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(ln); err != nil {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()
	return srv, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
