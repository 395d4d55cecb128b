package errval

import (
	"errors"
)

var (
	ErrInternal          = errors.New("internal server error")
	ErrNotFound          = errors.New("not found")
	ErrWorkerNotFound    = errors.New("worker not found")
	ErrUnknownCapability = errors.New("unknown capability")
	ErrNoActiveWorker    = errors.New("no active worker for capability")
)
