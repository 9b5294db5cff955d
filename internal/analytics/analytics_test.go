package analytics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"gaetl/internal/metrics"
)

type httpCounter struct {
	mu       sync.Mutex
	statuses []string
}

func (c *httpCounter) IncCounter(name string, _ float64, l metrics.Labels) {
	if name != "etl_http_requests_total" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, l["status"])
}

func (c *httpCounter) ObserveHistogram(string, float64, metrics.Labels) {}

func installCounter(t *testing.T) *httpCounter {
	t.Helper()
	c := &httpCounter{}
	metrics.SetBackend(c)
	t.Cleanup(func() { metrics.SetBackend(nil) })
	return c
}

// reportServer serves a fixed row set in pages, recording each request body.
type reportServer struct {
	mu       sync.Mutex
	rows     [][3]string
	requests []map[string]any
	paths    []string
}

func (s *reportServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req map[string]any
	_ = json.Unmarshal(body, &req)

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.paths = append(s.paths, r.URL.Path)
	s.mu.Unlock()

	offset := atoi(req["offset"])
	limit := atoi(req["limit"])
	end := offset + limit
	if end > len(s.rows) {
		end = len(s.rows)
	}

	type value struct {
		Value string `json:"value"`
	}
	type row struct {
		DimensionValues []value `json:"dimensionValues"`
		MetricValues    []value `json:"metricValues"`
	}
	page := []row{}
	for _, r := range s.rows[offset:end] {
		page = append(page, row{
			DimensionValues: []value{{r[0]}, {r[1]}},
			MetricValues:    []value{{r[2]}},
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"rows":     page,
		"rowCount": len(s.rows),
	})
}

// atoi reads an int64 field that the client sends as a JSON string.
func atoi(v any) int {
	s, _ := v.(string)
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

func newTestFetcher(t *testing.T, h http.Handler, pageSize int64) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	f, err := NewFetcher(context.Background(), Options{
		PropertyID:    "123",
		LandingPrefix: "/blog/",
		Endpoint:      srv.URL + "/",
		PageSize:      pageSize,
		Timeout:       5 * time.Second,
		ClientOptions: []option.ClientOption{option.WithoutAuthentication()},
	})
	require.NoError(t, err)
	return f
}

func TestFetch_PaginatesAndConvertsDates(t *testing.T) {
	counter := installCounter(t)
	srv := &reportServer{rows: [][3]string{
		{"20240102", "/blog/a", "3"},
		{"20240102", "/blog/b", "7"},
		{"20240103", "/blog/a", "1"},
	}}
	f := newTestFetcher(t, srv, 2)

	w := Window{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)}
	tbl, err := f.Fetch(context.Background(), w)
	require.NoError(t, err)

	assert.Equal(t, Columns, tbl.Columns())
	require.Equal(t, 3, tbl.Len())
	assert.Equal(t, []any{"2024-01-02", "/blog/a", "3"}, []any(tbl.Row(0)))
	assert.Equal(t, []any{"2024-01-03", "/blog/a", "1"}, []any(tbl.Row(2)))

	require.Len(t, srv.requests, 2)
	assert.Equal(t, "/v1beta/properties/123:runReport", srv.paths[0])
	assert.Nil(t, srv.requests[0]["offset"], "first page has no offset")
	assert.Equal(t, "2", srv.requests[1]["offset"])
	assert.Equal(t, []string{"200", "200"}, counter.statuses)
}

func TestFetch_RequestShape(t *testing.T) {
	srv := &reportServer{}
	f := newTestFetcher(t, srv, 0)

	_, err := f.Fetch(context.Background(), Window{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, srv.requests, 1)

	req := srv.requests[0]
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	s := string(raw)

	assert.Contains(t, s, `"startDate":"2024-01-01"`)
	assert.Contains(t, s, `"endDate":"2024-01-31"`)
	assert.Contains(t, s, `"fieldName":"sessionSourceMedium"`)
	assert.Contains(t, s, `"value":"google / organic"`)
	assert.Contains(t, s, `"matchType":"BEGINS_WITH"`)
	assert.Contains(t, s, `"value":"/blog/"`)
	assert.Equal(t, "10000", req["limit"])
}

func TestFetch_APIError(t *testing.T) {
	counter := installCounter(t)
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"error":{"code":403,"message":"User does not have sufficient permissions","status":"PERMISSION_DENIED"}}`)
	})
	f := newTestFetcher(t, h, 0)

	_, err := f.Fetch(context.Background(), DaysAgo(time.Now(), 7))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "403") || strings.Contains(err.Error(), "sufficient permissions"), err.Error())
	assert.Equal(t, []string{"403"}, counter.statuses)
}

func TestFetch_BadDate(t *testing.T) {
	srv := &reportServer{rows: [][3]string{{"2024-01-02", "/blog/a", "3"}}}
	f := newTestFetcher(t, srv, 0)

	_, err := f.Fetch(context.Background(), DaysAgo(time.Now(), 7))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2024-01-02")
}

func TestFetch_EmptyWindow(t *testing.T) {
	f := &Fetcher{}
	_, err := f.Fetch(context.Background(), Window{
		Start: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
}

func TestNewFetcher_RequiresProperty(t *testing.T) {
	_, err := NewFetcher(context.Background(), Options{})
	require.Error(t, err)
}

func TestDaysAgo(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC)

	w := DaysAgo(now, 30)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), w.Start)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), w.End)
	assert.Equal(t, "2024-01-31..2024-02-29", w.String())

	w = DaysAgo(now, 1)
	assert.Equal(t, w.Start, w.End, "LAST_DAYS=1 is yesterday only")
}

func TestConvertDate(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "20240102", want: "2024-01-02"},
		{in: "20241231", want: "2024-12-31"},
		{in: "2024010", wantErr: true},
		{in: "(other)", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ConvertDate(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
