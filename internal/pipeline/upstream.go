// Package pipeline implements the enrichment pipeline: the per-request
// state machine that validates, persists, retrieves context, budgets
// tokens, forwards, and persists the response.
package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/divanvisagie/reservoir/internal/apperr"
	"github.com/divanvisagie/reservoir/pkg/pool"
)

// Upstream forwards a chat completion request verbatim to whichever
// upstream base URL matches the request's model: OpenAI-shaped or
// Ollama-compatible, nothing pluggable beyond those two cases.
type Upstream struct {
	client    *http.Client
	pool      *pool.Pool
	openAIURL string
	ollamaURL string
}

// NewUpstream builds an Upstream client. timeout bounds each forward call;
// poolSize/failureThreshold/successThreshold/resetTimeout configure the
// connection pool and circuit breaker that turn a dead upstream into a
// fast UpstreamUnavailable instead of every request hanging for timeout.
func NewUpstream(openAIURL, ollamaURL string, timeout time.Duration, poolSize int, failureThreshold, successThreshold uint32, resetTimeout time.Duration) *Upstream {
	return &Upstream{
		client:    &http.Client{Timeout: timeout},
		pool:      pool.New(int64(poolSize), failureThreshold, successThreshold, resetTimeout, apperr.UpstreamUnavailable),
		openAIURL: openAIURL,
		ollamaURL: ollamaURL,
	}
}

// baseURLFor dispatches on a model-name prefix. OpenAI-family names are
// the explicit case; everything else is assumed to be served by a local
// Ollama-compatible endpoint.
func (u *Upstream) baseURLFor(model string) string {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-"), strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "text-"):
		return u.openAIURL
	default:
		return u.ollamaURL
	}
}

type upstreamResult struct {
	status int
	body   []byte
}

// Forward POSTs body to the base URL selected for model, passing
// authHeader through unmodified. The returned
// status/body are always the upstream's own, byte-identical; only a
// transport-level failure (refused connection, timeout, open circuit)
// produces a non-nil error.
func (u *Upstream) Forward(ctx context.Context, model, authHeader string, body []byte) (int, []byte, error) {
	url := u.baseURLFor(model)

	result, err := u.pool.Do(ctx, func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if authHeader != "" {
			req.Header.Set("Authorization", authHeader)
		}

		resp, err := u.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return upstreamResult{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		return 0, nil, err
	}
	r := result.(upstreamResult)
	return r.status, r.body, nil
}

// hopByHopHeaders are connection-level headers that must not be relayed
// by a proxy.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

type proxyResult struct {
	status int
	header http.Header
	body   []byte
}

// ProxyRaw relays a non-chat request (e.g. GET /v1/models) verbatim to the
// origin of the default OpenAI upstream, carrying the client's headers and
// body through unchanged apart from hop-by-hop headers.
func (u *Upstream) ProxyRaw(ctx context.Context, method, pathAndQuery string, header http.Header, body []byte) (int, http.Header, []byte, error) {
	base, err := url.Parse(u.openAIURL)
	if err != nil {
		return 0, nil, nil, apperr.Wrap(apperr.Internal, "parsing upstream base URL", err)
	}
	target := base.Scheme + "://" + base.Host + pathAndQuery

	result, err := u.pool.Do(ctx, func() (interface{}, error) {
		var reader io.Reader
		if len(body) > 0 {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, err
		}
		req.Header = header.Clone()
		for _, h := range hopByHopHeaders {
			req.Header.Del(h)
		}

		resp, err := u.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		respHeader := resp.Header.Clone()
		for _, h := range hopByHopHeaders {
			respHeader.Del(h)
		}
		return proxyResult{status: resp.StatusCode, header: respHeader, body: data}, nil
	})
	if err != nil {
		return 0, nil, nil, err
	}
	r := result.(proxyResult)
	return r.status, r.header, r.body, nil
}
