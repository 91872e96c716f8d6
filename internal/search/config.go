package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/perculacms/pagecontext/internal/model"
)

// DefaultCollection is the collection name used when none is configured.
const DefaultCollection = "page_context"

// Config carries the raw vector store settings. Values are kept as strings and
// only checked when an operation first needs them, so a misconfigured store
// never prevents the process from starting.
type Config struct {
	Enabled    string // only "false" disables; anything else (including "") enables
	URL        string // e.g. "http://qdrant" or "https://xyz.cloud.qdrant.io"
	HTTPPort   string // REST port, used for schema administration and health
	GRPCPort   string // gRPC port, used for reads and writes
	APIKey     string
	Collection string
	Dims       int // dense vector size; 0 means "ask the embedding provider"
}

// endpoint is a resolved, validated Config.
type endpoint struct {
	host     string
	restBase string
	grpcPort int
	useTLS   bool
	apiKey   string
}

// resolve validates the configuration. It is called on every operation and is
// cheap enough not to need caching.
func (c Config) resolve() (endpoint, error) {
	if strings.EqualFold(strings.TrimSpace(c.Enabled), "false") {
		return endpoint{}, fmt.Errorf("search: vector store: %w", model.ErrServiceDisabled)
	}
	raw := strings.TrimSpace(c.URL)
	if raw == "" {
		return endpoint{}, fmt.Errorf("search: vector store url: %w", model.ErrServiceNotConfigured)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return endpoint{}, fmt.Errorf("search: invalid vector store url %q: %w", c.URL, model.ErrServiceNotConfigured)
	}

	httpPort, err := parsePort("http_port", c.HTTPPort)
	if err != nil {
		return endpoint{}, err
	}
	grpcPort, err := parsePort("grpc_port", c.GRPCPort)
	if err != nil {
		return endpoint{}, err
	}

	scheme := "http"
	if u.Scheme == "https" {
		scheme = "https"
	}
	return endpoint{
		host:     u.Hostname(),
		restBase: fmt.Sprintf("%s://%s:%d", scheme, u.Hostname(), httpPort),
		grpcPort: grpcPort,
		useTLS:   scheme == "https",
		apiKey:   c.APIKey,
	}, nil
}

func parsePort(name, raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("search: vector store %s: %w", name, model.ErrServiceNotConfigured)
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p <= 0 || p > 65535 {
		return 0, fmt.Errorf("search: vector store %s %q is not a valid port: %w", name, raw, model.ErrServiceNotConfigured)
	}
	return p, nil
}

func (c Config) collection() string {
	if c.Collection == "" {
		return DefaultCollection
	}
	return c.Collection
}
