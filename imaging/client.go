package imaging

import (
	"errors"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tailored-agentic-units/workchain/config"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 32 << 20
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
}

// Config holds fetch settings.
type Config struct {
	Timeout config.Duration `json:"timeout,omitempty"`

	// UserAgent pins the User-Agent header. Empty rotates through a small
	// pool of browser strings.
	UserAgent string `json:"user_agent,omitempty"`

	// Proxy routes every request through the given URL with keep-alives off.
	Proxy string `json:"proxy,omitempty"`

	MaxBytes int64 `json:"max_bytes,omitempty"`
}

// DefaultConfig returns the default fetch configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:  config.Duration(defaultTimeout),
		MaxBytes: defaultMaxBytes,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Timeout > 0 {
		c.Timeout = source.Timeout
	}
	if source.UserAgent != "" {
		c.UserAgent = source.UserAgent
	}
	if source.Proxy != "" {
		c.Proxy = source.Proxy
	}
	if source.MaxBytes > 0 {
		c.MaxBytes = source.MaxBytes
	}
}

// transport sets a User-Agent on requests that carry none.
type transport struct {
	base      http.RoundTripper
	userAgent string
	close     bool
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}

	r := req.Clone(req.Context())
	if r.Header.Get("User-Agent") == "" {
		ua := t.userAgent
		if ua == "" {
			ua = defaultUserAgents[rand.IntN(len(defaultUserAgents))]
		}
		r.Header.Set("User-Agent", ua)
	}
	if t.close {
		r.Close = true
	}
	return t.base.RoundTrip(r)
}

// NewClient builds the HTTP client used for page and image downloads.
// Retries are left to the scheduler, so the client makes one attempt.
func NewClient(cfg Config) (*http.Client, error) {
	base := &http.Transport{
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}

	proxy := strings.TrimSpace(cfg.Proxy)
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil {
			return nil, err
		}
		base.Proxy = http.ProxyURL(u)
		base.DisableKeepAlives = true
	}

	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &http.Client{
		Transport: &transport{
			base:      base,
			userAgent: cfg.UserAgent,
			close:     proxy != "",
		},
		Timeout: timeout,
	}, nil
}
