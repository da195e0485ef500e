// Package transport implements types.Socket over net.Conn: tcp, tls
// (with h2 ALPN) and unix sockets.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/h2grpc/consts"
	"github.com/ozontech/h2grpc/types"
)

var (
	ErrNotConnected = errors.New("socket is not connected")
	ErrClosed       = errors.New("socket is closed")
)

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateClosed
)

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Socket читает и пишет в отдельных горутинах. События SocketEvents
// вызываются из этих горутин, переносом на луп занимается получатель.
type Socket struct {
	target      types.Target
	events      types.SocketEvents
	dialer      Dialer
	dialTimeout time.Duration
	log         *zap.Logger

	mu      sync.Mutex
	state   state
	conn    net.Conn
	pending net.Buffers
	wake    chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSocket(target types.Target, events types.SocketEvents, log *zap.Logger, opts ...Opt) *Socket {
	s := &Socket{
		target: target,
		events: events,
		log:    log.Named("socket").With(zap.String("network", target.Network), zap.String("address", target.Address)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),

		dialTimeout: consts.DialTimeout,
	}
	for _, o := range opts {
		o.apply(s)
	}
	if s.dialer == nil {
		s.dialer = &net.Dialer{Timeout: s.dialTimeout}
	}
	if target.Encrypted() {
		conf := target.TLS.Clone()
		if len(conf.NextProtos) == 0 {
			conf.NextProtos = []string{http2.NextProtoTLS}
		}
		s.dialer = &tlsDialer{s.dialer, conf}
	}
	return s
}

// Factory подходит для channel.WithSocketFactory.
func Factory(opts ...Opt) types.SocketFactory {
	return func(target types.Target, events types.SocketEvents, log *zap.Logger) types.Socket {
		return NewSocket(target, events, log, opts...)
	}
}

func (s *Socket) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return
	}
	s.state = stateConnecting

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
}

func (s *Socket) IsWritable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateConnected
}

// Write ставит b в очередь на запись, не блокируясь на сети.
func (s *Socket) Write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateClosed:
		return ErrClosed
	case stateConnected:
	default:
		return ErrNotConnected
	}
	s.pending = append(s.pending, b)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close закрывает соединение и дожидается завершения горутин. После Close
// события не приходят.
func (s *Socket) Close() error {
	s.mu.Lock()
	prev := s.state
	s.state = stateClosed
	conn := s.conn
	s.pending = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if prev == stateClosed {
		return nil
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if prev != stateIdle {
		<-s.done
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Socket) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}

func (s *Socket) run(ctx context.Context) {
	defer close(s.done)

	conn, err := s.dialer.DialContext(ctx, s.target.Network, s.target.Address)
	if err != nil {
		if !s.closed() {
			s.events.ErrorOccurred(fmt.Errorf("dial %s: %w", s.target.Address, err))
		}
		return
	}
	if tc, ok := conn.(*tls.Conn); ok {
		if proto := tc.ConnectionState().NegotiatedProtocol; proto != http2.NextProtoTLS {
			s.log.Warn("server did not negotiate h2", zap.String("protocol", proto))
		}
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = stateConnected
	s.mu.Unlock()

	s.log.Debug("connected", zap.Stringer("local", conn.LocalAddr()))
	s.events.Connected()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(conn) })
	g.Go(func() error { return s.writeLoop(ctx, conn) })
	go func() {
		// разблокировать readLoop, если writeLoop упал первым
		<-ctx.Done()
		_ = conn.Close()
	}()
	err = g.Wait()

	if err != nil && !s.closed() {
		s.events.ErrorOccurred(err)
	}
}

func (s *Socket) readLoop(conn net.Conn) error {
	buf := make([]byte, consts.RecieveBufferSize)
	for {
		n, err := conn.Read(buf)
		if n != 0 && !s.closed() {
			b := make([]byte, n)
			copy(b, buf[:n])
			s.events.ReadyRead(b)
		}
		if err != nil {
			return fmt.Errorf("reading error: %w", err)
		}
	}
}

func (s *Socket) writeLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}

		s.mu.Lock()
		bufs := s.pending
		s.pending = nil
		s.mu.Unlock()

		if _, err := bufs.WriteTo(conn); err != nil {
			return fmt.Errorf("writing error: %w", err)
		}
	}
}

type tlsDialer struct {
	inner  Dialer
	config *tls.Config
}

func (d *tlsDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	raw, err := d.inner.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	conf := d.config
	if conf.ServerName == "" && network != "unix" {
		conf = conf.Clone()
		host, _, splitErr := net.SplitHostPort(address)
		if splitErr != nil {
			host = address
		}
		conf.ServerName = host
	}
	tc := tls.Client(raw, conf)
	if err = tc.HandshakeContext(ctx); err != nil {
		return nil, multierr.Append(fmt.Errorf("tls handshake: %w", err), raw.Close())
	}
	return tc, nil
}
