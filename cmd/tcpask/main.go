// Command tcpask sends one payload to a TCP server and prints the reply,
// using the same relay client and wait policies as the httpask /ask route.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kong"

	"httpask-go/internal/config"
	"httpask-go/internal/relay"
	"httpask-go/internal/service"
)

var version = "dev"

type cli struct {
	Host     string `kong:"arg,help='Server host name or address.'"`
	Port     string `kong:"arg,help='Server port.'"`
	Data     string `kong:"arg,optional,help='Payload sent to the server.'"`
	Shutdown bool   `kong:"help='Half-close the connection after sending the payload.'"`
	Timeout  string `kong:"help='Stop waiting after this many milliseconds.',placeholder='MS'"`
	Limit    string `kong:"help='Return at most this many bytes.',placeholder='N'"`
	Dial     int    `kong:"help='Connect timeout in seconds.',default='30'"`
	Verbose  bool   `kong:"short='v',help='Log relay details to stderr.'"`

	Version kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// query maps the command line onto /ask query parameters so both front ends
// share one validation path.
func (c *cli) query() map[string]string {
	q := map[string]string{
		service.ParamHostname: c.Host,
		service.ParamPort:     c.Port,
		service.ParamString:   c.Data,
	}
	if c.Shutdown {
		q[service.ParamShutdown] = strconv.FormatBool(c.Shutdown)
	}
	if c.Timeout != "" {
		q[service.ParamTimeout] = c.Timeout
	}
	if c.Limit != "" {
		q[service.ParamLimit] = c.Limit
	}
	return q
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("tcpask"),
		kong.Description("Send data to a TCP server and print what it answers."),
		kong.Vars{"version": version},
	)

	level := slog.LevelWarn
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &config.Config{Relay: config.RelayConfig{DialTimeoutSeconds: c.Dial}}
	svc := service.NewAskService(relay.NewClient(cfg, logger, nil), logger)

	reply, err := svc.Ask(ctx, c.query())
	kctx.FatalIfErrorf(err)

	if _, err := os.Stdout.Write(reply); err != nil {
		kctx.FatalIfErrorf(fmt.Errorf("write reply: %w", err))
	}
}
