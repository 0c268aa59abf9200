package scrape

import (
	"context"
	"time"
)

// PriceFetcher fetches the average price for a grid URL and returns a typed
// outcome. Implementations never translate CAPTCHA walls or transient
// failures into errors; those are outcomes the session machine routes.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, url string) FetchOutcome

	// SubmitCaptchaSolution forwards an operator-entered solution for the
	// challenge token. It returns false when the site rejects the solution.
	SubmitCaptchaSolution(ctx context.Context, token string, solution string) (bool, error)
}

// Publisher pushes session completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes exported snapshots and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
