package domain

import "context"

// ObjectStore keeps opaque blobs by key.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	// Get returns ErrNotFound when no object exists at key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// ResolutionArchiver keeps resolution reports outside the database.
type ResolutionArchiver interface {
	// Archive stores the report and returns its object path.
	Archive(ctx context.Context, report ResolutionReport) (string, error)
	// Load returns a previously archived report or ErrNotFound.
	Load(ctx context.Context, marketID string) (ResolutionReport, error)
}
