package stats

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/filtertune/pkg/filters"
)

type recordingObserver struct {
	mu      sync.Mutex
	results []string
	states  []string
}

func (o *recordingObserver) ObserveRequest(result string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, result)
}

func (o *recordingObserver) SetBreakerState(state string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func testRequestOptions() RequestOptions {
	return RequestOptions{
		BuyingAmount: 0.5,
		TriggerMode:  "bundle",
		FromDate:     "2026-01-01",
		TakeProfits: []TakeProfit{
			{Size: 50, Gain: 50},
			{Size: 50, Gain: 200},
		},
	}
}

func newTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		BaseURL:   url,
		StatsPath: "/api/stats",
		Timeout:   2 * time.Second,
		Request:   testRequestOptions(),
	}, opts...)
	require.NoError(t, err)
	return c
}

func TestBuildQuery(t *testing.T) {
	cfg := filters.NewConfig().
		MustSet("Min MCAP (USD)", filters.Num(8000)).
		MustSet("Min Deployer Balance (SOL)", filters.Num(1.5)).
		MustSet("Fresh Deployer", filters.Bool(true)).
		MustSet("Max MCAP (USD)", filters.Unset())

	q := BuildQuery(cfg, testRequestOptions())

	assert.Equal(t, "8000", q.Get("minMcap"))
	assert.Equal(t, "1.5", q.Get("minDeployerBalance"))
	assert.Equal(t, "true", q.Get("freshDeployer"))
	assert.False(t, q.Has("maxMcap"), "unset parameters are omitted")
	assert.Equal(t, "true", q.Get("excludeSpoofedTokens"))
	assert.Equal(t, "0.5", q.Get("buyingAmount"))
	assert.Equal(t, "bundle", q.Get("triggerMode"))
	assert.Equal(t, "2026-01-01", q.Get("fromDate"))
	assert.False(t, q.Has("toDate"))
	assert.Equal(t, []string{"50", "50"}, q["tpSize"])
	assert.Equal(t, []string{"50", "200"}, q["tpGain"])
}

func TestRequestOptions_Validate(t *testing.T) {
	opts := testRequestOptions()
	assert.NoError(t, opts.Validate())

	opts.TakeProfits = []TakeProfit{{Size: 60, Gain: 50}}
	assert.Error(t, opts.Validate())

	opts.TakeProfits = nil
	assert.Error(t, opts.Validate())

	opts = testRequestOptions()
	opts.BuyingAmount = 0
	assert.Error(t, opts.Validate())
}

func TestClient_FetchSuccess(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stats", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalTokens":300,"winRate":40,"pnlSolTp":5,"pnlSolAth":9,"totalSolSpent":20,"totalAvailableSignals":900}`))
	}))
	defer server.Close()

	observer := &recordingObserver{}
	client := newTestClient(t, server.URL, WithObserver(observer))

	metrics, err := client.Fetch(context.Background(), filters.DefaultBaseline())
	require.NoError(t, err)

	assert.Equal(t, 300, metrics.TotalTokens)
	assert.InDelta(t, 25.0, metrics.TpPnlPercent, 1e-9)
	assert.Contains(t, gotQuery, "minMcap=5000")
	assert.Equal(t, []string{ResultOK}, observer.results)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		header      map[string]string
		check       func(t *testing.T, err error)
		transient   bool
		rateLimited bool
	}{
		{
			name:        "rate limited",
			status:      http.StatusTooManyRequests,
			header:      map[string]string{"Retry-After": "7"},
			rateLimited: true,
			check: func(t *testing.T, err error) {
				assert.Equal(t, 7*time.Second, RetryAfter(err))
			},
		},
		{
			name:      "server error keeps request URL",
			status:    http.StatusInternalServerError,
			transient: true,
			check: func(t *testing.T, err error) {
				var se *ServerError
				require.True(t, errors.As(err, &se))
				assert.Contains(t, se.URL, "minMcap=5000")
				assert.Contains(t, se.Body, "NaN")
			},
		},
		{
			name:   "other status",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var he *HTTPError
				require.True(t, errors.As(err, &he))
				assert.Equal(t, http.StatusNotFound, he.StatusCode)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("minMcap is NaN"))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)
			_, err := client.Fetch(context.Background(), filters.DefaultBaseline())
			require.Error(t, err)

			assert.Equal(t, tt.rateLimited, IsRateLimit(err))
			assert.Equal(t, tt.transient, IsTransient(err))
			tt.check(t, err)
		})
	}
}

func TestClient_TransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := newTestClient(t, url)
	_, err := client.Fetch(context.Background(), filters.DefaultBaseline())

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsRateLimit(err))
}

func TestClient_MalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"totalTokens":`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Fetch(context.Background(), filters.DefaultBaseline())

	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.False(t, IsRateLimit(err))
}

func TestClient_BreakerIgnoresRateLimits(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	for i := 0; i < 10; i++ {
		_, err := client.Fetch(context.Background(), filters.DefaultBaseline())
		require.True(t, IsRateLimit(err))
	}
	assert.Equal(t, "closed", client.BreakerState())
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	observer := &recordingObserver{}
	client, err := NewClient(ClientConfig{
		BaseURL: server.URL,
		Request: testRequestOptions(),
		Breaker: BreakerSettings{
			MinRequests:     2,
			FailureRatio:    0.5,
			OpenTimeout:     time.Minute,
			HalfOpenMaxReqs: 1,
			CountInterval:   time.Minute,
		},
	}, WithObserver(observer))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := client.Fetch(context.Background(), filters.DefaultBaseline())
		require.Error(t, err)
	}
	assert.Equal(t, "open", client.BreakerState())

	_, err = client.Fetch(context.Background(), filters.DefaultBaseline())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(2), calls.Load(), "open circuit short-circuits the request")
	assert.Contains(t, observer.states, "open")
	assert.Equal(t, ResultCircuitOpen, observer.results[len(observer.results)-1])
}

func TestClient_Cancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newTestClient(t, server.URL)
	_, err := client.Fetch(ctx, filters.DefaultBaseline())
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(ClientConfig{Request: testRequestOptions()})
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{BaseURL: "http://localhost", Request: RequestOptions{BuyingAmount: 1}})
	assert.Error(t, err)
}
