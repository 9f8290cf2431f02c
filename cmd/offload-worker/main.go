package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/guseggert/offload/frame"
	offloadnet "github.com/guseggert/offload/internal/net"
	"github.com/guseggert/offload/internal/logging"
	"github.com/guseggert/offload/worker"
	"github.com/guseggert/offload/worker/builtin"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

// portFirst moves a leading port argument behind the flags, since clients launch the worker as
// "offload-worker <port> [flags...]" and flags after a positional argument would not be parsed.
func portFirst(args []string) []string {
	if len(args) < 2 {
		return args
	}
	if _, err := strconv.Atoi(args[1]); err != nil {
		return args
	}
	out := append([]string{args[0]}, args[2:]...)
	return append(out, args[1])
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "diag-addr",
			Usage: "Address for the HTTP diagnostics server (health, workers, metrics, WebSocket). Disabled if empty.",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level. One of [debug,info,warn,error].",
			Value: "info",
		},
		&cli.StringFlag{
			Name:  "byte-order",
			Usage: "Byte order of frame length headers. One of [big,little].",
			Value: "big",
		},
		&cli.StringFlag{
			Name:  "encoding",
			Usage: "Text encoding of frame payloads.",
			Value: "utf-8",
		},
	}
}

func codecFromFlags(ctx *cli.Context) (frame.Codec, error) {
	codec := frame.DefaultCodec()
	order, err := frame.ParseByteOrder(ctx.String("byte-order"))
	if err != nil {
		return codec, err
	}
	codec.Order = order
	enc, err := frame.LookupEncoding(ctx.String("encoding"))
	if err != nil {
		return codec, err
	}
	codec.Encoding = enc
	return codec, nil
}

func main() {
	app := &cli.App{
		Name:      "offload-worker",
		Usage:     "runs offloaded work requests for an offload client",
		ArgsUsage: "<port>",
		Flags:     flags(),
		Action: func(ctx *cli.Context) error {
			if ctx.NArg() < 1 {
				return cli.Exit("missing port argument", 2)
			}
			port, err := strconv.Atoi(ctx.Args().First())
			if err != nil {
				return fmt.Errorf("parsing port: %w", err)
			}

			logger, err := logging.New(ctx.String("log-level"))
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			codec, err := codecFromFlags(ctx)
			if err != nil {
				return err
			}

			reg := worker.NewRegistry()
			if err := builtin.Register(reg); err != nil {
				return fmt.Errorf("registering builtin workers: %w", err)
			}
			srv := worker.NewServer(reg, worker.WithLogger(logger), worker.WithCodec(codec))

			sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			group, groupCtx := errgroup.WithContext(sigCtx)

			group.Go(func() error {
				addr := net.JoinHostPort(offloadnet.Loopback, strconv.Itoa(port))
				return srv.ListenAndServe(groupCtx, addr)
			})
			if diagAddr := ctx.String("diag-addr"); diagAddr != "" {
				group.Go(func() error {
					return worker.NewHTTPServer(srv).ListenAndServe(groupCtx, diagAddr)
				})
			}
			return group.Wait()
		},
	}
	if err := app.RunContext(context.Background(), portFirst(os.Args)); err != nil {
		log.Fatal(err)
	}
}
