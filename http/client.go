package http

import (
	"context"
	"io"
	"net/http"
	"strings"

	subrav "github.com/subrav-foundation/subrav/go"
)

// Client wraps a standard http.Client with the payer protocol engine: every
// request carries the protocol header, and every response is correlated back
// to settle its payment future.
type Client struct {
	engine *subrav.PayerClient
	http   *http.Client
}

// NewClient creates a payment-aware HTTP client around the given engine.
func NewClient(engine *subrav.PayerClient, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{engine: engine, http: httpClient}
}

// Do dispatches the request with payment handling and returns both the raw
// response and the independently awaitable payment future. The future is
// settled from the response's protocol header; aborting the request rejects
// it instead of leaving it pending.
func (c *Client) Do(req *http.Request) (*http.Response, *subrav.PaymentFuture, error) {
	ctx := req.Context()

	header, future, err := c.engine.PrepareRequest(ctx)
	if err != nil {
		return nil, nil, err
	}
	encoded, err := subrav.EncodeRequestHeader(header)
	if err != nil {
		c.engine.AbortRequest(header.ClientTxRef, err)
		return nil, nil, err
	}
	req.Header.Set(subrav.HeaderName, encoded)

	resp, err := c.http.Do(req)
	if err != nil {
		c.engine.AbortRequest(header.ClientTxRef, err)
		return nil, nil, err
	}

	headerValue := resp.Header.Get(subrav.HeaderName)
	if err := c.engine.HandleResponse(ctx, header.ClientTxRef, resp.StatusCode, headerValue, isStreaming(resp)); err != nil {
		// The future already carries the failure; the response is still
		// returned so the caller can read the body.
		return resp, future, nil
	}
	return resp, future, nil
}

// Get performs a GET with payment handling.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, *subrav.PaymentFuture, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	return c.Do(req)
}

// Post performs a POST with payment handling.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, *subrav.PaymentFuture, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// FinishStream settles a streaming response once the body is fully consumed.
// Services that defer the protocol header to stream completion send it as an
// HTTP trailer.
func (c *Client) FinishStream(ctx context.Context, clientTxRef string, resp *http.Response) error {
	headerValue := resp.Trailer.Get(subrav.HeaderName)
	return c.engine.HandleResponse(ctx, clientTxRef, resp.StatusCode, headerValue, false)
}

// isStreaming reports whether the payment confirmation may arrive only at
// stream completion.
func isStreaming(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}
