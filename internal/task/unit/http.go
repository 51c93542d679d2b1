package unit

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const maxHTTPBody = 1 << 20

// HTTP calls an endpoint. A 2xx response is success; any other status is
// reported as ExitStatus = status code.
type HTTP struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	// Timeout applies per request on top of the run deadline. Zero means 30s.
	Timeout time.Duration

	Client *http.Client
}

func (h *HTTP) Describe() string {
	m := h.Method
	if m == "" {
		m = http.MethodGet
	}
	return strings.ToUpper(m) + " " + h.URL
}

func (h *HTTP) Execute(ctx context.Context) (Result, error) {
	if strings.TrimSpace(h.URL) == "" {
		return Result{ExitStatus: -1}, errors.New("http: url is required")
	}
	method := strings.ToUpper(strings.TrimSpace(h.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if h.Body != "" {
		body = strings.NewReader(h.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.URL, body)
	if err != nil {
		return Result{ExitStatus: -1}, errors.Wrap(err, "http: build request")
	}
	for k, v := range h.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client().Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{ExitStatus: -1}, errors.Wrap(ctxErr, "http: request interrupted")
		}
		return Result{ExitStatus: -1}, errors.Wrap(err, "http: request failed")
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return Result{ExitStatus: resp.StatusCode, Output: out}, errors.Wrap(err, "http: read body")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{ExitStatus: resp.StatusCode, Output: out}, nil
	}
	return Result{Output: out}, nil
}

func (h *HTTP) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	t := h.Timeout
	if t <= 0 {
		t = 30 * time.Second
	}
	return &http.Client{Timeout: t}
}
