package consts

import (
	"math"
	"time"
)

const (
	RecieveBufferSize = 16 * 1024
	DialTimeout       = 10 * time.Second

	DefaultInitialWindowSize    = 65_535
	DefaultMaxFrameSize         = 16384 // до получения SETTINGS от сервера больше слать нельзя
	DefaultMaxHeaderListSize    = math.MaxUint32
	DefaultHeaderTableSize      = 4096
	DefaultMaxConcurrentStreams = math.MaxUint32
	MaxStreamID                 = 1<<31 - 1

	// GRPCPrefixSize флаг сжатия (1 байт) + длина сообщения (4 байта, big endian)
	GRPCPrefixSize = 5
)

const (
	DefaultContentType = "application/grpc"
	ContentTypePrefix  = DefaultContentType + "+"

	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
	SchemeUnix  = "unix"

	DefaultHTTPPort  = 80
	DefaultHTTPSPort = 443
)

// имена заголовков
const (
	HeaderAuthority = ":authority"
	HeaderMethod    = ":method"
	HeaderPath      = ":path"
	HeaderScheme    = ":scheme"

	HeaderContentType        = "content-type"
	HeaderServiceName        = "service-name"
	HeaderGRPCAcceptEncoding = "grpc-accept-encoding"
	HeaderAcceptEncoding     = "accept-encoding"
	HeaderTE                 = "te"
	HeaderGRPCStatus         = "grpc-status"
	HeaderGRPCMessage        = "grpc-message"

	MethodPOST             = "POST"
	GRPCAcceptEncodingList = "identity,deflate,gzip"
	AcceptEncodingList     = "identity,gzip"
	TETrailers             = "trailers"
)
