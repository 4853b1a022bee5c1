package nodemanager

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/nodekernel/model"
)

var (
	// ErrUnknownModel indicates placement for a model id that is not
	// registered.
	ErrUnknownModel = errors.New("unknown model")
	// ErrInvalidCount indicates a request for fewer than one instance.
	ErrInvalidCount = errors.New("node count must be at least 1")
	// ErrCapacityExceeded indicates the requested GID range would overflow
	// the registry. No nodes are created.
	ErrCapacityExceeded = errors.New("requested number of nodes will overflow the registry")
	// ErrUnknownNode indicates a GID/thread pair that resolves to no node.
	ErrUnknownNode = errors.New("unknown node")
	// ErrNoSiblingsAvailable indicates a sibling lookup on a GID that is not
	// replicated per thread.
	ErrNoSiblingsAvailable = errors.New("no thread siblings available")
	// ErrUnaccessedProperties indicates a status update left entries unread.
	ErrUnaccessedProperties = errors.New("unread property entries")
)

// WorkerError is a failure captured inside a parallel lifecycle pass and
// replayed after every worker finished. It keeps the original message.
type WorkerError struct {
	Pass   string
	Thread int
	GID    model.GID
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("%s: thread %d, node %d: %v", e.Pass, e.Thread, e.GID, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }
