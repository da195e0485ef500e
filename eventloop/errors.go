package eventloop

import "errors"

var ErrAlreadyRunning = errors.New("event loop is already running")
