package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/ozontech/h2grpc/channel"
	"github.com/ozontech/h2grpc/options"
	"github.com/ozontech/h2grpc/reflection"
	"github.com/ozontech/h2grpc/report"
	"github.com/ozontech/h2grpc/report/multi"
	phoutReporter "github.com/ozontech/h2grpc/report/phout"
	supersimpleReporter "github.com/ozontech/h2grpc/report/supersimple"
	"github.com/ozontech/h2grpc/scheduler"
	"github.com/ozontech/h2grpc/serialization"
)

type Repeat struct {
	Count       uint64        `group:"repeat" help:"Repeat unary call count times."`
	RPS         uint64        `group:"repeat" help:"Calls per second (unlimited by default)."`
	Duration    time.Duration `group:"repeat" help:"Limit repeat duration (10s, 2h...)."`
	Concurrency int           `group:"repeat" default:"100" help:"Max calls in flight."`
	Phout       string        `group:"repeat" type:"path" help:"Phout report file."`
}

func (r Repeat) enabled() bool { return r.Count > 1 || r.RPS != 0 || r.Duration != 0 }

func (r Repeat) newScheduler() (scheduler.Scheduler, error) {
	var sched scheduler.Scheduler = scheduler.Unlimited{}
	if r.RPS != 0 {
		c, err := scheduler.NewConstant(r.RPS)
		if err != nil {
			return nil, err
		}
		sched = c
	}
	if r.Count != 0 {
		sched = scheduler.NewCountLimiter(sched, int64(r.Count))
	}
	return sched, nil
}

type CallCommand struct {
	Target string `arg:"" required:"" help:"Server address (host:port, http://host:port, https://host:port, unix:/path)."`
	Method string `arg:"" required:"" help:"Method as package.Service/Method or package.Service.Method."`

	Data     string        `short:"d" default:"{}" help:"Request message as json. Json array sends several messages to a client stream."`
	Meta     string        `short:"H" placeholder:"{\"key\":\"value\"}" help:"Call metadata as json object, values are strings or arrays of strings."`
	Deadline time.Duration `help:"Call deadline (100ms, 5s...)."`
	Format   string        `enum:"default,protobuf,json" default:"default" help:"Serialization format. Available types: ${enum}"`
	Insecure bool          `help:"Skip server certificate verification."`
	Verbose  bool          `short:"v" help:"Verbose output"`

	DescriptorSource
	Repeat
}

func (c *CallCommand) Validate() error {
	if c.Repeat.enabled() && c.Concurrency <= 0 {
		return errors.New("--concurrency must be positive")
	}
	return nil
}

func tlsConfig(insecure bool) *tls.Config {
	if !insecure {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12} //nolint:gosec
}

func (c *CallCommand) Run(ctx context.Context, out io.Writer) error {
	log := zap.NewNop()
	if c.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}
	defer log.Sync() //nolint:errcheck

	target := normalizeTarget(c.Target)
	store, err := c.DescriptorSource.fetch(ctx, target, tlsConfig(c.Insecure), log)
	if err != nil {
		return fmt.Errorf("fetching descriptors: %w", err)
	}
	method, err := store.Get(c.Method)
	if err != nil {
		return err
	}

	md, err := parseMeta([]byte(c.Meta))
	if err != nil {
		return fmt.Errorf("parsing --meta: %w", err)
	}
	format, ok := serialization.ByName(c.Format)
	if !ok {
		return fmt.Errorf("unknown format %q", c.Format)
	}

	chOpts := []options.ChannelOpt{options.WithMetadata(md), options.WithSerializationFormat{Format: format}}
	if cfg := tlsConfig(c.Insecure); cfg != nil {
		chOpts = append(chOpts, options.WithTLSConfig{Config: cfg})
	}
	if c.Deadline > 0 {
		chOpts = append(chOpts, options.WithDeadline(c.Deadline))
	}
	ch, err := channel.New(target,
		channel.WithChannelOptions{ChannelOptions: options.NewChannelOptions(chOpts...)},
		channel.WithLogger{Logger: log},
	)
	if err != nil {
		return fmt.Errorf("creating channel: %w", err)
	}
	defer ch.Close()

	reqs, err := c.requests(method)
	if err != nil {
		return err
	}

	cl := &caller{ch: ch, method: method, out: out, log: log}
	if c.Repeat.enabled() {
		if method.Kind() != reflection.Unary {
			return fmt.Errorf("repeat is supported for unary methods only, %s is %s", method.Path(), method.Kind())
		}
		return c.repeat(ctx, cl, reqs[0], out)
	}
	return cl.call(ctx, reqs)
}

func (c *CallCommand) requests(method reflection.Method) ([]proto.Message, error) {
	raws, err := splitMessages([]byte(c.Data))
	if err != nil {
		return nil, fmt.Errorf("parsing --data: %w", err)
	}
	kind := method.Kind()
	if len(raws) != 1 && kind != reflection.ClientStreaming && kind != reflection.BidiStreaming {
		return nil, fmt.Errorf("%s method takes exactly one message, got %d", kind, len(raws))
	}

	reqs := make([]proto.Message, len(raws))
	for i, raw := range raws {
		req := method.NewRequest()
		if err := protojson.Unmarshal(raw, req); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		reqs[i] = req
	}
	return reqs, nil
}

func (c *CallCommand) repeat(ctx context.Context, cl *caller, req proto.Message, out io.Writer) error {
	sched, err := c.Repeat.newScheduler()
	if err != nil {
		return err
	}

	clk := clock.New()
	var reporter report.Reporter = supersimpleReporter.New(out, clk, c.Deadline)
	if c.Phout != "" {
		f, err := os.Create(c.Phout)
		if err != nil {
			return fmt.Errorf("creating phout file(%s): %w", c.Phout, err)
		}
		defer f.Close()
		reporter = multi.New(phoutReporter.New(f, clk, c.Deadline), reporter)
	}
	var g errgroup.Group
	g.Go(reporter.Run)

	var wg sync.WaitGroup
	inflight := make(chan struct{}, c.Concurrency)
	n := scheduler.Run(ctx, clk, sched, c.Duration, func(int64) {
		select {
		case inflight <- struct{}{}:
		case <-ctx.Done():
			return
		}

		state := reporter.Acquire(cl.method.Path())
		call, err := cl.ch.Call(ctx, cl.method.Service(), cl.method.Name(), req)
		if err != nil {
			<-inflight
			state.End(status.Convert(err))
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-inflight }()

			state.SetRequestSize(len(call.Context().Argument()))
			<-call.Done()
			if b, ok := call.Response(); ok {
				state.AddResponseSize(len(b))
			}
			state.End(call.Status())
		}()
	})
	wg.Wait()
	cl.log.Debug("repeat finished", zap.Int64("calls", n))

	if err := reporter.Close(); err != nil {
		return fmt.Errorf("close reporter: %w", err)
	}
	return g.Wait()
}
