package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"plugbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRegistry serves the registry HTTP API from memory and counts requests.
type fakeRegistry struct {
	mu       sync.Mutex
	versions map[string]domain.PluginVersion // by name, latest only
	archives map[string][]byte               // by name
	updates  []domain.PluginNameVersion
	lastSent []domain.PluginNameVersion
	hits     map[string]int
	auth     string
	failWith int
}

func newFakeRegistry(t *testing.T) (*fakeRegistry, *httptest.Server) {
	t.Helper()
	f := &fakeRegistry{
		versions: make(map[string]domain.PluginVersion),
		archives: make(map[string][]byte),
		hits:     make(map[string]int),
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeRegistry) publish(pv domain.PluginVersion, archive []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[pv.Name] = pv
	f.archives[pv.Name] = archive
}

func (f *fakeRegistry) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[key]
}

func (f *fakeRegistry) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	key := r.Method + " " + path
	f.hits[key]++
	f.hits["total"]++
	f.auth = r.Header.Get("Authorization")

	if f.failWith != 0 {
		http.Error(w, "registry unavailable", f.failWith)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && path == "updates":
		var body struct {
			Plugins []domain.PluginNameVersion `json:"plugins"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.lastSent = body.Plugins
		json.NewEncoder(w).Encode(domain.UpdatesAvailable{Plugins: f.updates})

	case path == "search":
		q := r.URL.Query().Get("query")
		var out []domain.PluginVersion
		for _, pv := range f.versions {
			if strings.Contains(pv.Name, q) {
				out = append(out, pv)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"plugins": out})

	case strings.HasSuffix(path, "/download"):
		data, ok := f.archives[strings.TrimSuffix(path, "/download")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)

	default:
		pv, ok := f.versions[path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if v := r.URL.Query().Get("version"); v != "" && v != pv.Version {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(pv)
	}
}

func TestRegistryGetVersion(t *testing.T) {
	f, srv := newFakeRegistry(t)
	f.publish(domain.PluginVersion{Name: "hello", Version: "1.2.0", Checksum: "abc"}, nil)

	reg := NewRegistry(srv.URL, "secret-token", 0, testLogger())
	pv, err := reg.GetVersion(context.Background(), "hello", "1.2.0")
	if err != nil {
		t.Fatalf("GetVersion: %v", err)
	}
	if pv.Version != "1.2.0" || pv.Checksum != "abc" {
		t.Errorf("got %+v", pv)
	}
	if f.auth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", f.auth)
	}
}

func TestRegistryGetVersionNotFound(t *testing.T) {
	_, srv := newFakeRegistry(t)
	reg := NewRegistry(srv.URL, "", 0, testLogger())

	_, err := reg.GetVersion(context.Background(), "missing", "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodePluginNotFound {
		t.Errorf("code = %s, want %s", code, domain.CodePluginNotFound)
	}
}

func TestRegistryDownload(t *testing.T) {
	f, srv := newFakeRegistry(t)
	f.publish(domain.PluginVersion{Name: "hello", Version: "1.0.0"}, []byte("archive-bytes"))
	reg := NewRegistry(srv.URL, "", 0, testLogger())

	var buf bytes.Buffer
	n, err := reg.Download(context.Background(), "hello", "1.0.0", &buf)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != int64(len("archive-bytes")) || buf.String() != "archive-bytes" {
		t.Errorf("downloaded %d bytes: %q", n, buf.String())
	}
}

func TestRegistryCheckUpdates(t *testing.T) {
	f, srv := newFakeRegistry(t)
	f.updates = []domain.PluginNameVersion{{Name: "hello", Version: "2.0.0"}}
	reg := NewRegistry(srv.URL, "", 0, testLogger())

	res, err := reg.CheckUpdates(context.Background(), []domain.PluginNameVersion{{Name: "hello", Version: "1.0.0"}})
	if err != nil {
		t.Fatalf("CheckUpdates: %v", err)
	}
	if len(res.Plugins) != 1 || res.Plugins[0].Version != "2.0.0" {
		t.Errorf("got %+v", res.Plugins)
	}
	if len(f.lastSent) != 1 || f.lastSent[0].Version != "1.0.0" {
		t.Errorf("registry received %+v", f.lastSent)
	}
}

func TestRegistrySearch(t *testing.T) {
	f, srv := newFakeRegistry(t)
	f.publish(domain.PluginVersion{Name: "theme-dark", Version: "1.0.0"}, nil)
	f.publish(domain.PluginVersion{Name: "importer", Version: "1.0.0"}, nil)
	reg := NewRegistry(srv.URL, "", 0, testLogger())

	results, err := reg.Search(context.Background(), "theme")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Name != "theme-dark" {
		t.Errorf("got %+v", results)
	}
}

func TestRegistryHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	reg := NewRegistry(srv.URL, "", 0, testLogger())
	_, err := reg.GetVersion(context.Background(), "x", "")
	if !errors.Is(err, domain.ErrRegistry) {
		t.Fatalf("expected ErrRegistry, got %v", err)
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error should carry the status: %v", err)
	}
}

func TestRegistryInvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	reg := NewRegistry(srv.URL, "", 0, testLogger())
	if _, err := reg.Search(context.Background(), "x"); !errors.Is(err, domain.ErrRegistry) {
		t.Fatalf("expected ErrRegistry, got %v", err)
	}
}

func TestRegistryCircuitBreakerOpens(t *testing.T) {
	f, srv := newFakeRegistry(t)
	f.failWith = http.StatusBadGateway
	reg := NewRegistry(srv.URL, "", 0, testLogger())

	for i := 0; i < int(defaultCBMaxFailures); i++ {
		if _, err := reg.GetVersion(context.Background(), "x", ""); err == nil {
			t.Fatalf("request %d: expected error", i)
		}
	}
	_, err := reg.GetVersion(context.Background(), "x", "")
	if err == nil || !strings.Contains(err.Error(), "circuit open") {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if got := f.count("total"); got != int(defaultCBMaxFailures) {
		t.Errorf("registry hit %d times, want %d", got, defaultCBMaxFailures)
	}
}

func TestRegistryPluginURL(t *testing.T) {
	reg := NewRegistry("https://plugins.example.com/api/v1/plugins/", "", 0, testLogger())
	if got := reg.PluginURL("@acme/foo"); got != "https://plugins.example.com/api/v1/plugins/@acme%2Ffoo" {
		t.Errorf("PluginURL = %q", got)
	}
}
