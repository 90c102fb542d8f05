package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"

	"eventrelay/internal/domain"
)

type request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
}

type response struct {
	StatusCode int
	Body       []byte
}

func (r response) ok() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// do performs one HTTP call. Transport failures come back classified as
// *domain.TransientError where they are network-class.
func do(ctx context.Context, client *http.Client, req request) (response, error) {
	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return response{}, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return response{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return response{}, classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return response{}, classify(fmt.Errorf("failed to read response body: %w", err))
	}
	return response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func classify(err error) error {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		return &domain.TransientError{Code: "ENOTFOUND", Err: err}
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		return &domain.TransientError{Code: "ECONNRESET", Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return &domain.TransientError{Code: "ETIMEDOUT", Err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &domain.TransientError{Code: "ETIMEDOUT", Err: err}
	}
	return err
}
