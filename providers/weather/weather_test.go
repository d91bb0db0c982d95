package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway/storage/memory"
	"github.com/google/go-cmp/cmp"
)

type fakeNWS struct {
	srv        *httptest.Server
	pointsHits atomic.Int32
	userAgent  atomic.Value
}

func newFakeNWS(t *testing.T, periods string) *fakeNWS {
	t.Helper()
	f := &fakeNWS{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /points/{coord}", func(w http.ResponseWriter, r *http.Request) {
		f.pointsHits.Add(1)
		f.userAgent.Store(r.Header.Get("User-Agent"))
		if r.PathValue("coord") != "33.415184,-111.831474" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		fmt.Fprintf(w, `{"properties":{"forecast":%q}}`, f.srv.URL+"/gridpoints/PSR/170,57/forecast")
	})
	mux.HandleFunc("GET /gridpoints/PSR/170,57/forecast", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/geo+json")
		fmt.Fprintf(w, `{"properties":{"units":"us","periods":%s}}`, periods)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

const twoPeriods = `[
	{"name":"Tonight","temperature":61,"temperatureUnit":"F","windSpeed":"5 mph","windDirection":"SE"},
	{"name":"Saturday","temperature":88,"temperatureUnit":"F","windSpeed":"5 to 10 mph","windDirection":"W"}
]`

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestForecastFormatting(t *testing.T) {
	nws := newFakeNWS(t, twoPeriods)
	p := New(NewClient(WithBaseURL(nws.srv.URL), WithClientLogger(testLogger(t))), WithLogger(testLogger(t)))

	res, err := p.CallTool(context.Background(), "forecast", json.RawMessage(`{"latitude":33.415184,"longitude":-111.831474}`))
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result %#v", res)
	}
	want := "Forecast Period\nname: Tonight\ntemperature: 61 F\nwindSpeed: 5 mph SE\n---\n" +
		"Forecast Period\nname: Saturday\ntemperature: 88 F\nwindSpeed: 5 to 10 mph W\n---"
	if diff := cmp.Diff(want, res.Content[0].Text); diff != "" {
		t.Fatalf("forecast text mismatch (-want +got):\n%s", diff)
	}
	if ua, _ := nws.userAgent.Load().(string); ua != DefaultUserAgent {
		t.Fatalf("expected default user agent, got %q", ua)
	}
}

func TestForecastFailureIsTotal(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	defer failing.Close()

	cases := map[string]*Client{
		"server error":     NewClient(WithBaseURL(failing.URL)),
		"unknown location": NewClient(WithBaseURL(newFakeNWS(t, twoPeriods).srv.URL)),
		"unreachable":      NewClient(WithBaseURL("http://127.0.0.1:1")),
	}
	for name, client := range cases {
		t.Run(name, func(t *testing.T) {
			p := New(client, WithLogger(testLogger(t)))
			res, err := p.CallTool(context.Background(), "forecast", json.RawMessage(`{"latitude":1,"longitude":2}`))
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if res.IsError {
				t.Fatalf("failures must not be flagged as errors: %#v", res)
			}
			if len(res.Content) != 1 || res.Content[0].Text != UnavailableMessage {
				t.Fatalf("expected %q, got %#v", UnavailableMessage, res.Content)
			}
		})
	}
}

func TestClientErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	_, err := NewClient(WithBaseURL(failing.URL)).Forecast(context.Background(), 1, 2)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Op != OpPoints {
		t.Fatalf("expected points APIError, got %v", err)
	}

	_, err = NewClient().Periods(context.Background(), "not a url")
	var urlErr *InvalidURLError
	if !errors.As(err, &urlErr) || urlErr.Op != OpForecast {
		t.Fatalf("expected forecast InvalidURLError, got %v", err)
	}

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "{not json")
	}))
	defer garbage.Close()
	_, err = NewClient().Periods(context.Background(), garbage.URL+"/forecast")
	if !errors.As(err, &apiErr) || apiErr.Op != OpForecast {
		t.Fatalf("expected forecast APIError, got %v", err)
	}
}

func TestPointsCache(t *testing.T) {
	nws := newFakeNWS(t, twoPeriods)
	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer store.Close()

	client := NewClient(WithBaseURL(nws.srv.URL), WithPointsCache(store, time.Hour), WithUserAgent("test-agent"))
	for i := 0; i < 3; i++ {
		periods, err := client.Forecast(context.Background(), 33.415184, -111.831474)
		if err != nil {
			t.Fatalf("Forecast: %v", err)
		}
		if len(periods) != 2 {
			t.Fatalf("expected 2 periods, got %d", len(periods))
		}
	}
	if got := nws.pointsHits.Load(); got != 1 {
		t.Fatalf("expected a single points lookup, got %d", got)
	}
	if ua, _ := nws.userAgent.Load().(string); ua != "test-agent" {
		t.Fatalf("expected custom user agent, got %q", ua)
	}
}

func TestFormatPeriodsEmpty(t *testing.T) {
	if got := FormatPeriods(nil); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}
