package provider

import (
	"context"
	"time"
)

// Sender is the outbound webhook HTTP port.
type Sender interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Request is one signed POST to a subscriber endpoint.
type Request struct {
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response stores call metadata for the delivery ledger.
type Response struct {
	StatusCode int
	Body       string
}
