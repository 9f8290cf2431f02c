package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/guseggert/offload/client"
	"github.com/guseggert/offload/config"
	"github.com/guseggert/offload/conn"
	"github.com/guseggert/offload/internal/files"
	"github.com/guseggert/offload/internal/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

type outcome struct {
	Status  bool            `json:"status"`
	Results json.RawMessage `json:"results"`
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("interpreter") {
		cfg.Interpreter = ctx.String("interpreter")
	}
	if ctx.IsSet("script") {
		cfg.Script = ctx.String("script")
	}
	if ctx.IsSet("extra-arg") {
		cfg.ExtraArgs = ctx.StringSlice("extra-arg")
	}
	if cfg.Script == "" && ctx.String("ws") == "" {
		bin, err := files.FindWorkerBin()
		if err != nil {
			return nil, fmt.Errorf("no script configured: %w", err)
		}
		cfg.Script = bin
		cfg.Interpreter = ""
		cfg.WorkerFlags = true
	}
	return cfg, nil
}

// sendFunc sends one request and arranges for cb to be called with its response.
type sendFunc func(worker string, data any, cb client.Callback) error

func request(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var data any
	if err := json.Unmarshal([]byte(ctx.String("data")), &data); err != nil {
		return fmt.Errorf("parsing --data: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
	defer cancel()

	if addr := ctx.String("ws"); addr != "" {
		return requestOverWebSocket(runCtx, os.Stdout, cfg, logger, addr, ctx.String("worker"), data)
	}

	opts, err := cfg.ClientOptions()
	if err != nil {
		return err
	}
	opts = append(opts, client.WithLogger(logger))
	c := client.New(cfg.Launch(), opts...)

	if err := c.Start(runCtx); err != nil {
		return err
	}
	defer c.Close()

	return awaitResponse(runCtx, os.Stdout, c.RequestWork, ctx.String("worker"), data, c.Done())
}

// requestOverWebSocket sends the request to an already running worker through its diagnostics server.
// The worker is left running.
func requestOverWebSocket(ctx context.Context, out io.Writer, cfg *config.Config, logger *zap.Logger, addr, worker string, data any) error {
	codec, err := cfg.Codec()
	if err != nil {
		return err
	}
	nc, err := client.NewDiagClient(addr, client.WithDiagLogger(logger)).DialWebSocket(ctx)
	if err != nil {
		return err
	}

	gone := make(chan struct{})
	var mux *client.Multiplexer
	c := conn.New(
		conn.WithLogger(logger),
		conn.WithCodec(codec),
		conn.WithoutShutdownNotice(),
		conn.WithMessageHandler(func(msg json.RawMessage) { mux.Dispatch(msg) }),
		conn.WithDisconnectHandler(func(error) { close(gone) }),
	)
	mux = client.NewMultiplexer(c, c.IsConnected, client.WithMultiplexerLogger(logger))
	if err := c.Attach(nc); err != nil {
		return err
	}
	defer c.Close()

	return awaitResponse(ctx, out, mux.RequestWork, worker, data, gone)
}

func awaitResponse(ctx context.Context, w io.Writer, send sendFunc, worker string, data any, gone <-chan struct{}) error {
	done := make(chan outcome, 1)
	err := send(worker, data, func(status bool, results json.RawMessage) {
		done <- outcome{Status: status, Results: results}
	})
	if err != nil {
		return err
	}

	select {
	case out := <-done:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		if !out.Status {
			return cli.Exit("", 1)
		}
		return nil
	case <-gone:
		return errors.New("worker went away before responding")
	case <-ctx.Done():
		return fmt.Errorf("waiting for response: %w", ctx.Err())
	}
}

func status(ctx *cli.Context) error {
	logger, err := logging.New(ctx.String("log-level"))
	if err != nil {
		return err
	}
	d := client.NewDiagClient(ctx.String("addr"), client.WithDiagLogger(logger))

	h, err := d.Health(ctx.Context)
	if err != nil {
		return fmt.Errorf("checking health: %w", err)
	}
	names, err := d.Workers(ctx.Context)
	if err != nil {
		return fmt.Errorf("listing workers: %w", err)
	}
	fmt.Printf("status: %s\n", h.Status)
	for _, n := range names {
		fmt.Printf("worker: %s\n", n)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "offload",
		Usage: "offloads work requests to a background worker process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a TOML config file.",
				EnvVars: []string{"OFFLOAD_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "request",
				Usage: "start a worker, send it one request, and print the response",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "worker",
						Usage:    "Name of the worker to run, such as builtin.Echo.",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "data",
						Usage: "Request data as JSON.",
						Value: "null",
					},
					&cli.StringFlag{
						Name:  "interpreter",
						Usage: "Interpreter that runs the worker script.",
					},
					&cli.StringFlag{
						Name:  "script",
						Usage: "Worker script or executable. Defaults to the offload-worker bin found above the working directory.",
					},
					&cli.StringSliceFlag{
						Name:  "extra-arg",
						Usage: "Extra argument passed to the worker after its port. Repeatable.",
					},
					&cli.StringFlag{
						Name:  "ws",
						Usage: "Send the request to a running worker through its diagnostics server at this URL instead of starting one.",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "How long to wait for the worker to start and respond.",
						Value: 30 * time.Second,
					},
				},
				Action: request,
			},
			{
				Name:  "status",
				Usage: "query a worker's diagnostics server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "Base URL of the diagnostics server.",
						Value: "http://127.0.0.1:7071",
					},
				},
				Action: status,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
