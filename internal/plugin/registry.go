package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"plugbridge/internal/domain"
)

// Default circuit breaker settings for the registry.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second

	defaultRegistryTimeout = 30 * time.Second
	downloadTimeout        = 5 * time.Minute
	maxErrorBody           = 4 << 10
)

// Registry is a client for the remote plugin registry HTTP API.
//
// All requests share one circuit breaker: when the registry fails repeatedly,
// installs and update checks fail fast until it recovers.
type Registry struct {
	baseURL  string
	token    string
	client   *http.Client
	download *http.Client
	breaker  *gobreaker.CircuitBreaker[*http.Response]
	logger   *slog.Logger
}

// NewRegistry creates a registry client for baseURL (without trailing slash).
func NewRegistry(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = defaultRegistryTimeout
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "registry",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    defaultCBInterval,
		Timeout:     defaultCBTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultCBMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Registry{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		client:   &http.Client{Timeout: timeout},
		download: &http.Client{Timeout: downloadTimeout},
		breaker:  cb,
		logger:   logger,
	}
}

// PluginURL is the registry URL recorded as a plugin's source.
func (r *Registry) PluginURL(name string) string {
	return r.baseURL + "/" + url.PathEscape(name)
}

// GetVersion fetches metadata for name at version; an empty version means latest.
func (r *Registry) GetVersion(ctx context.Context, name, version string) (*domain.PluginVersion, error) {
	u := r.PluginURL(name) + query("version", version)
	var pv domain.PluginVersion
	if err := r.getJSON(ctx, "Registry.GetVersion", u, &pv); err != nil {
		return nil, err
	}
	if pv.Name == "" {
		pv.Name = name
	}
	return &pv, nil
}

// Download streams the archive for name at version into w.
func (r *Registry) Download(ctx context.Context, name, version string, w io.Writer) (int64, error) {
	u := r.PluginURL(name) + "/download" + query("version", version)
	req, err := r.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.do(r.download, req, "Registry.Download")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "Registry.Download", name); err != nil {
		return 0, err
	}
	return io.Copy(w, resp.Body)
}

// CheckUpdates posts the installed versions and returns those with newer releases.
func (r *Registry) CheckUpdates(ctx context.Context, installed []domain.PluginNameVersion) (*domain.UpdatesAvailable, error) {
	body, err := json.Marshal(struct {
		Plugins []domain.PluginNameVersion `json:"plugins"`
	}{Plugins: installed})
	if err != nil {
		return nil, err
	}
	req, err := r.newRequest(ctx, http.MethodPost, r.baseURL+"/updates", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.do(r.client, req, "Registry.CheckUpdates")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "Registry.CheckUpdates", "updates"); err != nil {
		return nil, err
	}

	var out domain.UpdatesAvailable
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.NewSubSystemError("registry", "Registry.CheckUpdates", domain.ErrRegistry, "decode: "+err.Error())
	}
	return &out, nil
}

// Search returns registry plugins matching query.
func (r *Registry) Search(ctx context.Context, q string) ([]domain.PluginVersion, error) {
	var out struct {
		Plugins []domain.PluginVersion `json:"plugins"`
	}
	if err := r.getJSON(ctx, "Registry.Search", r.baseURL+"/search"+query("query", q), &out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

func (r *Registry) getJSON(ctx context.Context, op, u string, v any) error {
	req, err := r.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := r.do(r.client, req, op)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, op, u); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return domain.NewSubSystemError("registry", op, domain.ErrRegistry, "decode: "+err.Error())
	}
	return nil
}

func (r *Registry) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	return req, nil
}

// do executes req through the breaker. Transport errors and 5xx responses
// count as failures; 4xx responses are returned to the caller.
func (r *Registry) do(client *http.Client, req *http.Request, op string) (*http.Response, error) {
	resp, err := r.breaker.Execute(func() (*http.Response, error) {
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			msg := readErrorBody(resp)
			resp.Body.Close()
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewSubSystemError("registry", op, domain.ErrRegistry, "circuit open: "+err.Error())
		}
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, domain.NewSubSystemError("registry", op, domain.ErrRegistry, err.Error())
	}
	return resp, nil
}

func checkStatus(resp *http.Response, op, what string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return domain.NewSubSystemError("plugin", op, domain.ErrNotFound, what)
	default:
		return domain.NewSubSystemError("registry", op, domain.ErrRegistry,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, readErrorBody(resp)))
	}
}

func readErrorBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return strings.TrimSpace(string(data))
}

func query(key, value string) string {
	if value == "" {
		return ""
	}
	return "?" + url.Values{key: {value}}.Encode()
}
