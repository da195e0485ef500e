package channel

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/ozontech/h2grpc/consts"
	"github.com/ozontech/h2grpc/options"
	"github.com/ozontech/h2grpc/serialization"
	"github.com/ozontech/h2grpc/types"
)

// endpoint то, что получается из адреса канала: куда подключаться и что
// писать в :scheme и :authority.
type endpoint struct {
	target    types.Target
	scheme    string
	authority string
}

func resolveEndpoint(rawTarget string, tlsConfig *tls.Config, log *zap.Logger) (endpoint, error) {
	u, err := url.Parse(rawTarget)
	if err != nil {
		return endpoint{}, fmt.Errorf("parse target %q: %w", rawTarget, err)
	}

	host := u.Hostname()
	if u.Scheme == consts.SchemeUnix {
		authority := host
		if authority == "" {
			authority = "localhost"
		}
		ep := endpoint{
			target:    types.Target{Network: "unix", Address: u.Host + u.Path, TLS: tlsConfig},
			scheme:    consts.SchemeHTTP,
			authority: authority,
		}
		if ep.target.Address == "" {
			return endpoint{}, fmt.Errorf("target %q: empty socket path", rawTarget)
		}
		return ep, nil
	}

	if host == "" {
		return endpoint{}, fmt.Errorf("target %q: empty host", rawTarget)
	}

	// :scheme всегда из адреса, даже если шифрование включено опцией
	ep := endpoint{scheme: u.Scheme}
	defaultPort := consts.DefaultHTTPPort
	switch {
	case u.Scheme == consts.SchemeHTTPS || tlsConfig != nil:
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		defaultPort = consts.DefaultHTTPSPort
	case u.Scheme != consts.SchemeHTTP:
		log.Warn(fmt.Sprintf("Unsupported transport protocol scheme '%s'. Fall back to '%s'.", u.Scheme, consts.SchemeHTTP))
	}

	port := defaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return endpoint{}, fmt.Errorf("target %q: invalid port %q", rawTarget, p)
		}
	}

	ep.target = types.Target{
		Network: "tcp",
		Address: net.JoinHostPort(host, strconv.Itoa(port)),
		TLS:     tlsConfig,
	}
	if port == defaultPort {
		ep.authority = bracketIPv6(host)
	} else {
		ep.authority = ep.target.Address
	}
	return ep, nil
}

func bracketIPv6(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "[" + host + "]"
	}
	return host
}

// resolveFormat выбирает формат сериализации по опциям канала и заголовку
// content-type из метаданных канала.
func resolveFormat(opts options.ChannelOptions, log *zap.Logger) serialization.Format {
	format := opts.SerializationFormat()
	fromOptions := format.ContentType()

	values := opts.Metadata().Get(consts.HeaderContentType)
	if len(values) == 0 {
		return format
	}
	value := values[0]

	if format.IsDefault() && value != consts.DefaultContentType {
		f, ok := serialization.FromContentType(value)
		if !ok {
			log.Warn("Cannot choose the serializer for content-type. Using protobuf as default.",
				zap.String("content-type", value),
			)
			return serialization.Default
		}
		return f
	}
	if value != fromOptions {
		log.Warn(fmt.Sprintf(
			"Manually specified serialization format '%s' doesn't match the %s header value '%s'",
			format.Name(), consts.HeaderContentType, value,
		))
	}
	return format
}
