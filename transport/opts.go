package transport

import "time"

type Opt interface {
	apply(*Socket)
}

// WithDialer подменяет net.Dialer. Для tls поверх него делается handshake.
type WithDialer struct{ Dialer }

func (o WithDialer) apply(s *Socket) { s.dialer = o.Dialer }

type WithDialTimeout time.Duration

func (o WithDialTimeout) apply(s *Socket) { s.dialTimeout = time.Duration(o) }
