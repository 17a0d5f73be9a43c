package packages

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"sigs.k8s.io/yaml"

	"github.com/chazu/capstan/pkg/metrics"
)

// maxChartSize bounds chart downloads
const maxChartSize = 64 << 20

// RepositoryClient talks to a ChartMuseum-compatible chart repository
type RepositoryClient struct {
	baseURL *url.URL
	http    *retryablehttp.Client
}

// RepositoryOption configures a RepositoryClient
type RepositoryOption func(*RepositoryClient)

// WithTokenSource adds a bearer token from ts to every request
func WithTokenSource(ts oauth2.TokenSource) RepositoryOption {
	return func(r *RepositoryClient) {
		r.http.HTTPClient.Transport = &oauth2.Transport{
			Source: ts,
			Base:   r.http.HTTPClient.Transport,
		}
	}
}

// WithTransport replaces the base HTTP transport, e.g. one that reaches the
// repository through the API server's service proxy. It must precede
// WithTokenSource.
func WithTransport(rt http.RoundTripper) RepositoryOption {
	return func(r *RepositoryClient) {
		r.http.HTTPClient.Transport = rt
	}
}

// WithRetries sets the retry budget and wait bounds
func WithRetries(max int, waitMin, waitMax time.Duration) RepositoryOption {
	return func(r *RepositoryClient) {
		r.http.RetryMax = max
		r.http.RetryWaitMin = waitMin
		r.http.RetryWaitMax = waitMax
	}
}

// WithLogger routes retry logging to logger
func WithLogger(logger logr.Logger) RepositoryOption {
	return func(r *RepositoryClient) {
		r.http.Logger = leveledLogger{logger}
	}
}

// NewRepositoryClient creates a client for the repository at baseURL
func NewRepositoryClient(baseURL string, opts ...RepositoryOption) (*RepositoryClient, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid repository URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid repository URL %q: scheme must be http or https", baseURL)
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = 4
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 10 * time.Second
	hc.Logger = leveledLogger{logr.Discard()}

	r := &RepositoryClient{baseURL: u, http: hc}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ClientCredentials returns a token source for the OAuth2 client-credentials
// grant against the identity service at tokenURL
func ClientCredentials(ctx context.Context, tokenURL, clientID, clientSecret string, scopes ...string) oauth2.TokenSource {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
	}
	return cfg.TokenSource(ctx)
}

// URL returns the repository base URL
func (r *RepositoryClient) URL() string {
	return strings.TrimSuffix(r.baseURL.String(), "/")
}

func (r *RepositoryClient) resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return r.baseURL.String() + strings.TrimPrefix(ref, "/")
	}
	if u.IsAbs() {
		return u.String()
	}
	return r.baseURL.ResolveReference(&url.URL{Path: strings.TrimPrefix(u.Path, "/")}).String()
}

// do issues a request and returns the body of a response with one of the
// accepted status codes
func (r *RepositoryClient) do(ctx context.Context, operation, method, ref string, body []byte, accept ...int) ([]byte, int, error) {
	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, r.resolve(ref), reqBody)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		metrics.RecordRepositoryRequest(operation, "error")
		return nil, 0, fmt.Errorf("%s %s: %w", method, ref, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxChartSize))
	if err != nil {
		metrics.RecordRepositoryRequest(operation, "error")
		return nil, resp.StatusCode, fmt.Errorf("%s %s: reading body: %w", method, ref, err)
	}
	for _, code := range accept {
		if resp.StatusCode == code {
			metrics.RecordRepositoryRequest(operation, "success")
			return data, resp.StatusCode, nil
		}
	}
	metrics.RecordRepositoryRequest(operation, "failure")
	return data, resp.StatusCode, &HTTPError{Method: method, URL: r.resolve(ref), StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

// HTTPError is returned for an unexpected repository response
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Health checks that the repository answers on /health
func (r *RepositoryClient) Health(ctx context.Context) error {
	_, _, err := r.do(ctx, "health", http.MethodGet, "health", nil, http.StatusOK)
	return err
}

// Index fetches and parses index.yaml
func (r *RepositoryClient) Index(ctx context.Context) (*IndexFile, error) {
	data, _, err := r.do(ctx, "index", http.MethodGet, "index.yaml", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	idx := &IndexFile{}
	if err := yaml.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("failed to parse index of %s: %w", r.URL(), err)
	}
	if idx.Entries == nil {
		idx.Entries = map[string][]*ChartVersion{}
	}
	return idx, nil
}

// Search resolves constraint for chart name against the index
func (r *RepositoryClient) Search(ctx context.Context, name, constraint string) (*ChartVersion, error) {
	idx, err := r.Index(ctx)
	if err != nil {
		return nil, err
	}
	return idx.Resolve(name, constraint)
}

// List returns every chart version known to the repository API
func (r *RepositoryClient) List(ctx context.Context) (map[string][]*ChartVersion, error) {
	data, _, err := r.do(ctx, "list", http.MethodGet, "api/charts", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	out := map[string][]*ChartVersion{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse chart list of %s: %w", r.URL(), err)
	}
	return out, nil
}

// Download fetches the archive of cv from its first URL
func (r *RepositoryClient) Download(ctx context.Context, cv *ChartVersion) ([]byte, error) {
	if len(cv.URLs) == 0 {
		return nil, fmt.Errorf("chart %s-%s has no download URL", cv.Name, cv.Version)
	}
	data, _, err := r.do(ctx, "download", http.MethodGet, cv.URLs[0], nil, http.StatusOK)
	return data, err
}

// Upload pushes a chart archive. A version that already exists is not an error.
func (r *RepositoryClient) Upload(ctx context.Context, archive []byte) error {
	_, _, err := r.do(ctx, "upload", http.MethodPost, "api/charts", archive, http.StatusCreated, http.StatusOK, http.StatusConflict)
	return err
}

// leveledLogger adapts logr to retryablehttp's LeveledLogger
type leveledLogger struct {
	logger logr.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.V(1).Info(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.V(2).Info(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}

var _ retryablehttp.LeveledLogger = leveledLogger{}
