package susanoo

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/valyala/fasthttp"
)

// restClient covers the single REST touchpoint the core needs: resolving
// the gateway WebSocket address. Everything else REST-shaped belongs to
// the external client.
type restClient struct {
	base   string
	client *fasthttp.Client

	mu     sync.Mutex
	cached string
}

func newRestClient(base string) *restClient {
	return &restClient{
		base:   base,
		client: &fasthttp.Client{},
	}
}

type gatewayInfo struct {
	URL string `json:"url"`
}

// gatewayURL resolves and caches the gateway address.
func (r *restClient) gatewayURL() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != "" {
		return r.cached, nil
	}

	request := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(request)
	response := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(response)

	request.Header.SetMethod(fasthttp.MethodGet)
	request.SetRequestURI(r.base + "/gateway")

	if err := r.client.Do(request, response); err != nil {
		return "", fmt.Errorf("gateway discovery: %w", err)
	}
	if response.StatusCode() != fasthttp.StatusOK {
		return "", fmt.Errorf("gateway discovery: unexpected status %d", response.StatusCode())
	}

	var info gatewayInfo
	if err := json.Unmarshal(response.Body(), &info); err != nil {
		return "", fmt.Errorf("gateway discovery: %w", err)
	}
	if info.URL == "" {
		return "", fmt.Errorf("gateway discovery: empty url")
	}

	r.cached = info.URL
	return r.cached, nil
}

func (r *restClient) reset() {
	r.mu.Lock()
	r.cached = ""
	r.mu.Unlock()
}

// gatewayAddress composes the full dial URL, resolving the base through
// REST discovery unless the config pinned one.
func (s *Session) gatewayAddress() (string, error) {
	base := s.gateway
	if base == "" {
		resolved, err := s.rest.gatewayURL()
		if err != nil {
			return "", err
		}
		base = resolved
	}

	query := url.Values{}
	query.Set("encoding", "json")
	query.Set("v", fmt.Sprint(GatewayVersion))
	if s.cfg.Compression == CompressionZlib {
		query.Set("compress", CompressionZlib)
	}
	return base + "/?" + query.Encode(), nil
}

// resetGatewayAddress drops the discovered address after a dial failure so
// the next attempt resolves it again. A configured address stays pinned.
func (s *Session) resetGatewayAddress() {
	if s.cfg.GatewayURL != "" {
		return
	}
	s.rest.reset()
}
