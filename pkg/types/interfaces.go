package types

import (
	"context"
)

// Adapter is the narrow contract a storage backend must satisfy. Concrete
// transports (local disk, S3, archival networks) are supplied by the
// surrounding system; the engine never assumes a specific protocol.
type Adapter interface {
	// Put stores an object and returns the stored size.
	Put(ctx context.Context, objectID string, data []byte) (int64, error)

	// Get retrieves a full object.
	Get(ctx context.Context, objectID string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectID string) error

	// Stat returns the stored size of an object, or an error carrying
	// OBJECT_NOT_FOUND when it does not exist.
	Stat(ctx context.Context, objectID string) (int64, error)
}

// Lister is an optional adapter capability used to rebuild usage counters
// after a restart. Adapters that cannot enumerate objects simply do not
// implement it.
type Lister interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ViolationSink receives policy violation findings from the enforcement
// components. The violation reporter is the canonical implementation.
type ViolationSink interface {
	Report(v Violation)
	Resolve(backend string, kind PolicyKind)
}
