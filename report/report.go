// Package report собирает результаты повторных вызовов.
package report

import "google.golang.org/grpc/status"

type Reporter interface {
	Run() error
	Close() error
	// Acquire отмечает начало вызова, tag обычно путь метода.
	Acquire(tag string) CallState
}

type CallState interface {
	SetRequestSize(size int)
	AddResponseSize(size int)
	End(st *status.Status)
}
