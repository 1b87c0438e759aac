package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxClientTimeout      = 60 * time.Second
)

// WebhookProvider posts signed event payloads to subscriber URLs.
type WebhookProvider struct {
	client *resty.Client
}

func NewWebhookProvider() *WebhookProvider {
	client := resty.New()
	client.SetTimeout(maxClientTimeout)
	client.SetRetryCount(0)

	p, _ := NewWebhookProviderWithClient(client)
	return p
}

func NewWebhookProviderWithClient(client *resty.Client) (*WebhookProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(maxClientTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookProvider{client: client}, nil
}

// Send performs exactly one POST bounded by req.Timeout. Non-2xx responses are
// returned as *ProviderError carrying the status code and body.
func (p *WebhookProvider) Send(ctx context.Context, req Request) (*Response, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	target := strings.TrimSpace(req.URL)
	if _, err := url.ParseRequestURI(target); err != nil {
		return nil, &ProviderError{Message: "invalid endpoint url", Cause: err}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := p.client.R().
		SetContext(attemptCtx).
		SetHeader("Content-Type", "application/json").
		SetBody(req.Body)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}

	response, err := r.Post(target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &ProviderError{
				Message:   fmt.Sprintf("request timed out after %dms", timeout.Milliseconds()),
				Transient: true,
				Cause:     context.DeadlineExceeded,
			}
		}
		return nil, &ProviderError{
			Message:   "request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &ProviderError{
			Message:   "empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	body := response.String()

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return &Response{StatusCode: statusCode, Body: body}, nil
	}

	return nil, &ProviderError{
		StatusCode: statusCode,
		Body:       body,
		Message:    fmt.Sprintf("endpoint returned status %d", statusCode),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}
