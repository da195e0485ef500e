package types

import (
	"crypto/tls"

	"go.uber.org/zap"
)

// Target адрес, к которому подключается сокет.
type Target struct {
	Network string // "tcp" или "unix"
	Address string
	TLS     *tls.Config // nil для plaintext
}

func (t Target) Encrypted() bool { return t.TLS != nil }

// Socket асинхронный байтовый поток. Все события приходят через SocketEvents
// на лупе канала.
type Socket interface {
	Connect()             // начать подключение, результат придет через Connected/ErrorOccurred
	IsWritable() bool     // сокет подключен и в него можно писать
	Write(b []byte) error // поставить байты в очередь на отправку
	Close() error         // закрыть сокет, после этого события не приходят
}

type SocketEvents interface {
	Connected()              // соединение установлено (для tls - после handshake)
	ReadyRead(b []byte)      // пришли данные, b принадлежит получателю
	ErrorOccurred(err error) // ошибка ввода/вывода или подключения
}

type SocketFactory func(target Target, events SocketEvents, log *zap.Logger) Socket
