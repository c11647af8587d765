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
	"github.com/danmuck/xlogship/internal/logging"
	"github.com/danmuck/xlogship/internal/logstore"
	"github.com/danmuck/xlogship/internal/memreg"
	"github.com/danmuck/xlogship/internal/receiver"
	"github.com/danmuck/xlogship/internal/session"
	"github.com/danmuck/xlogship/internal/storeapi"
	"github.com/danmuck/xlogship/internal/verbs"
	"github.com/danmuck/xlogship/internal/xlog"
	"golang.org/x/sync/errgroup"
)

const storePerms = memreg.LocalReadWrite | memreg.RemoteRead | memreg.RemoteWrite | memreg.RemoteAtomic

func main() {
	path := flag.String("config", "cmd/xlogstore/ex.config.toml", "config path")
	flag.Parse()
	logging.ConfigureRuntime()

	cfg, err := loadStoreConfig(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xlogstore: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "xlogstore: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg storeConfig) (err error) {
	log := logging.For("xlogstore")

	dev, err := verbs.OpenDevice(cfg.Device)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, dev.Close()) }()

	reg := memreg.New(dev)
	desc, err := reg.Register(xlog.NewArena(cfg.Receiver.Geometry), storePerms)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, reg.Unregister(desc)) }()

	sess, err := session.New(dev, reg, desc, session.RoleAcceptor, cfg.Session)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, sess.Close()) }()

	if err := accept(ctx, cfg.Listen, sess); err != nil {
		return err
	}

	store := logstore.NewMemoryLog()
	rcfg := cfg.Receiver
	rcfg.Policy = cfg.flushPolicy(store.DurableLSN)
	recv, err := receiver.New(sess, rcfg)
	if err != nil {
		return err
	}

	var apiLn, adminLn net.Listener
	if cfg.APIListen != "" {
		if apiLn, err = net.Listen("tcp", cfg.APIListen); err != nil {
			return err
		}
	}
	if cfg.AdminListen != "" {
		if adminLn, err = net.Listen("tcp", cfg.AdminListen); err != nil {
			if apiLn != nil {
				_ = apiLn.Close()
			}
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return recv.Run(gctx, func(e xlog.Entry) error {
			if err := store.Append(e); err != nil {
				return err
			}
			store.Sync()
			log.Info().Uint64("lsn", e.LSN).Str("payload", string(e.Payload)).Msg("Xlog received")
			return nil
		})
	})

	if apiLn != nil {
		srv := storeapi.NewGRPCServer(storeapi.NewServer(store, recv.FlushLSN))
		log.Info().Str("addr", apiLn.Addr().String()).Msg("read api listening")
		g.Go(func() error { return srv.Serve(apiLn) })
		g.Go(func() error {
			<-gctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	if adminLn != nil {
		srv := admin.New("store", func() any {
			return map[string]any{
				"session":      sess.State().String(),
				"flush_lsn":    recv.FlushLSN(),
				"observed_lsn": recv.ObservedLSN(),
				"tail":         store.Tail(),
				"durable":      store.DurableLSN(),
			}
		})
		g.Go(func() error { return srv.Serve(adminLn) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info().
		Uint64("flush_lsn", recv.FlushLSN()).
		Uint64("tail", store.Tail()).
		Msg("store stopped")
	return err
}

// accept waits for exactly one producer and completes the handshake.
func accept(ctx context.Context, addr string, sess *session.Session) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	log := logging.For("xlogstore")
	log.Info().Str("addr", ln.Addr().String()).Msg("waiting for producer")

	conn, err := session.Accept(ctx, ln)
	if err != nil {
		return err
	}
	defer conn.Close()
	return sess.Handshake(ctx, conn)
}
