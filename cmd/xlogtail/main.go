package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/xlogship/internal/logging"
	"github.com/danmuck/xlogship/internal/storeapi"
)

func main() {
	logging.ConfigureRuntime()
	v := newViper()

	fs := flag.NewFlagSet("xlogtail", flag.ExitOnError)
	configPath := fs.String("config", "", "optional settings file")
	fs.String("addr", v.GetString("addr"), "store read api address")
	fs.Uint64("from", 0, "first LSN to print (0 = first stored)")
	fs.Uint64("to", 0, "last LSN to print (0 = tail)")
	fs.Duration("timeout", v.GetDuration("timeout"), "request timeout")
	fs.Bool("tail-only", false, "print the tail summary only")
	_ = fs.Parse(os.Args[1:])

	s, err := resolveSettings(v, fs, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xlogtail: %v\n", err)
		os.Exit(2)
	}
	if err := run(context.Background(), s, os.Stdout); err != nil {
		log := logging.For("xlogtail")
		log.Error().Err(err).Str("addr", s.Addr).Msg("request failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, s settings, out io.Writer) error {
	client, err := storeapi.Dial(s.Addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	tail, err := client.Tail(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "tail=%d durable=%d flush_lsn=%d count=%d\n", tail.Tail, tail.Durable, tail.FlushLSN, tail.Count)
	if s.TailOnly || tail.Count == 0 {
		return nil
	}

	resp, err := client.Read(ctx, s.From, s.To)
	if err != nil {
		return err
	}
	for _, e := range resp.Entries {
		fmt.Fprintf(out, "%d\t%s\n", e.LSN, e.Payload)
	}
	if resp.Truncated {
		fmt.Fprintln(out, "... truncated")
	}
	return nil
}
