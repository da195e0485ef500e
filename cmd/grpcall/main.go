package main

import (
	"context"
	"io"
	"net/http"
	_ "net/http/pprof" //nolint:gosec
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
)

var CLI struct {
	Call        CallCommand       `cmd:"" help:"Call a grpc method."`
	List        ListCommand       `cmd:"" help:"List methods known from proto files or reflection api."`
	Man         mangokong.ManFlag `help:"Write man page." hidden:""`
	DebugServer string            `help:"Start pprof debug server on the address." placeholder:":8081"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.BindTo(os.Stdout, (*io.Writer)(nil)),
		kong.Groups(map[string]string{
			"reflection": `Reflection flags:`,
			"repeat":     `Repeat flags:`,
		}),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`grpc client over a single http/2 connection

The grpcall is used to call grpc methods described by proto files or by the server reflection api,
and to repeat unary calls at a given rate.
		`),
	)

	if CLI.DebugServer != "" {
		go func() {
			http.ListenAndServe(CLI.DebugServer, nil) //nolint:errcheck,gosec
		}()
	}

	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}
