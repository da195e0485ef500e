package reflection

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jhump/protoreflect/desc"
	"google.golang.org/protobuf/types/dynamicpb"
)

var (
	ErrBadMethodName  = errors.New("method must look like 'package.Service/Method' or 'package.Service.Method'")
	ErrMethodNotFound = errors.New("method not found")
)

// Kind вид вызова по флагам стриминга метода.
type Kind int

const (
	Unary Kind = iota
	ServerStreaming
	ClientStreaming
	BidiStreaming
)

func (k Kind) String() string {
	switch k {
	case Unary:
		return "unary"
	case ServerStreaming:
		return "server-streaming"
	case ClientStreaming:
		return "client-streaming"
	case BidiStreaming:
		return "bidi-streaming"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Method struct {
	desc *desc.MethodDescriptor
}

// Service полное имя сервиса, например helloworld.Greeter.
func (m Method) Service() string { return m.desc.GetService().GetFullyQualifiedName() }
func (m Method) Name() string    { return m.desc.GetName() }
func (m Method) Path() string    { return "/" + m.Service() + "/" + m.Name() }

func (m Method) Kind() Kind {
	switch cs, ss := m.desc.IsClientStreaming(), m.desc.IsServerStreaming(); {
	case cs && ss:
		return BidiStreaming
	case cs:
		return ClientStreaming
	case ss:
		return ServerStreaming
	}
	return Unary
}

func (m Method) NewRequest() *dynamicpb.Message {
	return dynamicpb.NewMessage(m.desc.GetInputType().UnwrapMessage())
}

func (m Method) NewResponse() *dynamicpb.Message {
	return dynamicpb.NewMessage(m.desc.GetOutputType().UnwrapMessage())
}

type Store struct {
	methods map[string]Method
}

func NewStore(services []*desc.ServiceDescriptor) *Store {
	s := &Store{methods: make(map[string]Method)}
	for _, service := range services {
		for _, m := range service.GetMethods() {
			method := Method{m}
			s.methods[method.Path()] = method
		}
	}
	return s
}

// Get ищет метод в любом из видов, которые понимает NormalizeMethod.
func (s *Store) Get(name string) (Method, error) {
	path, err := NormalizeMethod(name)
	if err != nil {
		return Method{}, err
	}
	m, ok := s.methods[path]
	if !ok {
		return Method{}, fmt.Errorf("%w: %s", ErrMethodNotFound, path)
	}
	return m, nil
}

// Methods пути всех методов по алфавиту.
func (s *Store) Methods() []string {
	paths := make([]string, 0, len(s.methods))
	for path := range s.methods {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// NormalizeMethod приводит метод к виду '/package.Service/Call' из
// 'package.Service.Call' или 'package.Service/Call'.
func NormalizeMethod(method string) (string, error) {
	method = strings.TrimPrefix(method, "/")
	ind := strings.LastIndexByte(method, '/')
	if ind == -1 {
		ind = strings.LastIndexByte(method, '.')
	}
	if ind <= 0 || ind == len(method)-1 {
		return "", fmt.Errorf("%w: %q", ErrBadMethodName, method)
	}
	service, name := method[:ind], method[ind+1:]
	if strings.Contains(name, ".") || strings.Contains(service, "/") {
		return "", fmt.Errorf("%w: %q", ErrBadMethodName, method)
	}
	return "/" + service + "/" + name, nil
}
