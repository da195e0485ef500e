package channel

import (
	"golang.org/x/net/http2"
	"google.golang.org/grpc/codes"
)

// codeFromHTTP2 переводит код RST_STREAM/GOAWAY в код статуса gRPC.
func codeFromHTTP2(code http2.ErrCode) codes.Code {
	switch code {
	case http2.ErrCodeNo,
		http2.ErrCodeProtocol,
		http2.ErrCodeInternal,
		http2.ErrCodeFlowControl,
		http2.ErrCodeSettingsTimeout,
		http2.ErrCodeStreamClosed,
		http2.ErrCodeFrameSize,
		http2.ErrCodeCompression,
		http2.ErrCodeConnect:
		return codes.Internal
	case http2.ErrCodeRefusedStream:
		return codes.Unavailable
	case http2.ErrCodeCancel:
		return codes.Canceled
	case http2.ErrCodeEnhanceYourCalm:
		return codes.ResourceExhausted
	case http2.ErrCodeInadequateSecurity:
		return codes.PermissionDenied
	case http2.ErrCodeHTTP11Required:
		return codes.Unknown
	default:
		return codes.Internal
	}
}
