package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPProbe treats any HTTP response from URL as reachable.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

// NewHTTPProbe returns a probe with a short request timeout.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProbe{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProbe) Probe(ctx context.Context) (bool, error) {
	if p.URL == "" {
		return false, ErrUnsupported
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false, nil
	}
	_ = resp.Body.Close()
	return true, nil
}
