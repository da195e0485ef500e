// Package reflection достает описания grpc методов из .proto файлов или
// через reflection api сервера.
package reflection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
)

type Fetcher interface {
	Fetch(ctx context.Context) (*Store, error)
}

type CachedFetcher struct {
	next  Fetcher
	once  sync.Once
	store *Store
	err   error
}

func NewCachedFetcher(next Fetcher) *CachedFetcher {
	return &CachedFetcher{next: next}
}

func (f *CachedFetcher) Fetch(ctx context.Context) (*Store, error) {
	f.once.Do(func() {
		f.store, f.err = f.next.Fetch(ctx)
	})
	return f.store, f.err
}

type LocalFetcher struct {
	filenames, importPaths []string
}

func NewLocalFetcher(filenames, importPaths []string) LocalFetcher {
	return LocalFetcher{filenames, importPaths}
}

func (f LocalFetcher) Fetch(context.Context) (*Store, error) {
	fds, err := protoparse.Parser{
		LookupImport: desc.LoadFileDescriptor,
		ImportPaths:  f.importPaths,
	}.ParseFiles(f.filenames...)
	if err != nil {
		return nil, fmt.Errorf("can't parse proto files: %w", err)
	}

	var services []*desc.ServiceDescriptor
	for _, fd := range fds {
		services = append(services, fd.GetServices()...)
	}
	return NewStore(services), nil
}

// RemoteFetcher спрашивает сервисы у сервера. Сервисы, которые не удалось
// разрезолвить, пропускаются и попадают в Warnings.
type RemoteFetcher struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
	warns   []string
}

func NewRemoteFetcher(conn grpc.ClientConnInterface) *RemoteFetcher {
	return &RemoteFetcher{conn: conn, timeout: 5 * time.Second}
}

func (f *RemoteFetcher) Warnings() []string {
	return f.warns
}

func (f *RemoteFetcher) Fetch(ctx context.Context) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	refClient := grpcreflect.NewClientAuto(ctx, f.conn)
	defer refClient.Reset()

	names, err := refClient.ListServices()
	if err != nil {
		return nil, fmt.Errorf("reflection fetching: %w", err)
	}

	var services []*desc.ServiceDescriptor
	for _, name := range names {
		service, err := refClient.ResolveService(name)
		if err != nil {
			f.warns = append(f.warns, "service not found: "+name)
			continue
		}
		services = append(services, service)
	}
	return NewStore(services), nil
}
