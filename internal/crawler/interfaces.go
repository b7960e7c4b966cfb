package crawler

import (
	"context"
	"io"
)

// Fetcher retrieves one document.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// LinkExtractor turns a fetched document into referenced document names and
// how many times each is referenced.
type LinkExtractor interface {
	ExtractLinks(body []byte) (map[string]int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes job events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
