package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ozontech/h2grpc/reflection"
)

// DescriptorSource откуда брать описания методов: из .proto файлов или,
// если их нет, через reflection api того же сервера.
type DescriptorSource struct {
	Proto      []string `group:"reflection" placeholder:"service1.proto,service2.proto" help:"Proto files."`
	ImportPath []string `group:"reflection" type:"existingdir" placeholder:"./api/,./vendor/" short:"I" help:"Proto import paths."`
}

func (s DescriptorSource) fetch(
	ctx context.Context, target string, tlsConfig *tls.Config, log *zap.Logger,
) (*reflection.Store, error) {
	if len(s.Proto) != 0 {
		return reflection.NewLocalFetcher(s.Proto, s.ImportPath).Fetch(ctx)
	}

	addr, creds, err := reflectionTarget(target, tlsConfig)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds), grpc.WithUserAgent("grpcall"))
	if err != nil {
		return nil, fmt.Errorf("create reflection conn: %w", err)
	}
	defer conn.Close()

	fetcher := reflection.NewRemoteFetcher(conn)
	store, err := fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	for _, w := range fetcher.Warnings() {
		log.Warn(w)
	}
	return store, nil
}

// normalizeTarget host:port без схемы считается http://host:port.
func normalizeTarget(target string) string {
	if !strings.Contains(target, "://") && !strings.HasPrefix(target, "unix:") {
		return "http://" + target
	}
	return target
}

// reflectionTarget переводит адрес канала в адрес и креды для grpc-go.
func reflectionTarget(target string, tlsConfig *tls.Config) (string, credentials.TransportCredentials, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", nil, fmt.Errorf("parsing target %q: %w", target, err)
	}

	var addr string
	switch u.Scheme {
	case "unix":
		addr = "unix://" + u.Host + u.Path
		if u.Opaque != "" {
			addr = "unix:" + u.Opaque
		}
	default:
		addr = u.Host
		if u.Port() == "" {
			port := "80"
			if u.Scheme == "https" {
				port = "443"
			}
			addr += ":" + port
		}
	}

	if u.Scheme == "https" || tlsConfig != nil {
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return addr, credentials.NewTLS(tlsConfig), nil
	}
	return addr, insecure.NewCredentials(), nil
}
