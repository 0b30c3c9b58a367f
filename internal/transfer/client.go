package transfer

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Options configures the transfer worker and its HTTP client.
type Options struct {
	// ConnectTimeout bounds dialing and the TLS handshake.
	// Default: 15s
	ConnectTimeout time.Duration

	// ReadTimeout bounds waiting for response headers and for each body read.
	// Default: 15s
	ReadTimeout time.Duration

	// ChunkSize is the maximum number of bytes read and written per step.
	// Default: 32KiB
	ChunkSize int

	// ProgressInterval is the minimum time between two progress reports.
	// Zero reports after every chunk.
	ProgressInterval time.Duration

	// UserAgent is sent with every request when set.
	UserAgent string

	// BearerToken, when set, authorizes every request with a static OAuth2 token.
	BearerToken string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   15 * time.Second,
		ReadTimeout:      15 * time.Second,
		ChunkSize:        32 * 1024,
		ProgressInterval: 500 * time.Millisecond,
	}
}

// NewHTTPClient builds the client used for downloads. It has no overall timeout:
// transfers can legitimately run for hours, so only connect and read are bounded.
func NewHTTPClient(opts Options) *http.Client {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	var rt http.RoundTripper = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true, // byte offsets must refer to the raw entity
	}

	if opts.BearerToken != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.BearerToken}),
			Base:   rt,
		}
	}

	return &http.Client{Transport: otelhttp.NewTransport(rt)}
}
