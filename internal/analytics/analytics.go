// Package analytics fetches the organic landing-page report from the Google
// Analytics Data API (GA4) and returns it as a dataset.Table.
//
// The report is fixed: dimensions date and landingPage, metric sessions,
// restricted to sessionSourceMedium == "google / organic" and to landing pages
// starting with a configured prefix. Output columns are
//
//	date         YYYY-MM-DD (GA reports YYYYMMDD)
//	landingPage  as reported
//	Sessions     the metric value as text
//
// Values stay text so the engine's type inference sees the same input it
// would get from the CSV export.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	analyticsdata "google.golang.org/api/analyticsdata/v1beta"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"gaetl/internal/dataset"
	"gaetl/internal/logging"
	"gaetl/internal/metrics"
)

// Columns are the labels of the fetched table, in order.
var Columns = []string{"date", "landingPage", "Sessions"}

const (
	organicSourceMedium = "google / organic"

	// DefaultPageSize is the number of rows requested per RunReport call.
	DefaultPageSize = 10000

	gaDateLayout = "20060102"
	dateLayout   = "2006-01-02"
)

// Options configure NewFetcher.
type Options struct {
	// CredentialsFile is a service account JSON key. Ignored when
	// ClientOptions already carry credentials.
	CredentialsFile string
	PropertyID      string
	LandingPrefix   string

	// Endpoint overrides the API base URL.
	Endpoint string

	// Timeout bounds each RunReport call.
	Timeout  time.Duration
	PageSize int64
	Job      string

	// ClientOptions are appended last (tests pass WithoutAuthentication).
	ClientOptions []option.ClientOption
}

// Fetcher runs the organic landing-page report for one property.
type Fetcher struct {
	Service       *analyticsdata.Service
	PropertyID    string
	LandingPrefix string
	PageSize      int64
	Timeout       time.Duration
	Job           string
}

// NewFetcher builds the Data API client.
func NewFetcher(ctx context.Context, opts Options) (*Fetcher, error) {
	if strings.TrimSpace(opts.PropertyID) == "" {
		return nil, errors.New("analytics: property id is required")
	}

	var copts []option.ClientOption
	if opts.CredentialsFile != "" {
		copts = append(copts, option.WithAuthCredentialsFile(option.ServiceAccount, opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		copts = append(copts, option.WithEndpoint(opts.Endpoint))
	}
	copts = append(copts, opts.ClientOptions...)

	svc, err := analyticsdata.NewService(ctx, copts...)
	if err != nil {
		return nil, fmt.Errorf("analytics: create client: %w", err)
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	job := opts.Job
	if job == "" {
		job = "gaetl"
	}
	return &Fetcher{
		Service:       svc,
		PropertyID:    opts.PropertyID,
		LandingPrefix: opts.LandingPrefix,
		PageSize:      pageSize,
		Timeout:       opts.Timeout,
		Job:           job,
	}, nil
}

// Window is an inclusive date range in the property's calendar.
type Window struct {
	Start time.Time
	End   time.Time
}

// DaysAgo returns the window from n days before now through yesterday.
func DaysAgo(now time.Time, n int) Window {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return Window{
		Start: today.AddDate(0, 0, -n),
		End:   today.AddDate(0, 0, -1),
	}
}

func (w Window) String() string {
	return w.Start.Format(dateLayout) + ".." + w.End.Format(dateLayout)
}

// Fetch runs the report for w, following pages until every row reported by
// rowCount has been read.
func (f *Fetcher) Fetch(ctx context.Context, w Window) (*dataset.Table, error) {
	if w.End.Before(w.Start) {
		return nil, fmt.Errorf("analytics: empty window %s", w)
	}
	log := logging.Ctx(ctx)
	out := dataset.MustNew(Columns...)
	property := "properties/" + f.PropertyID

	for offset := int64(0); ; {
		start := time.Now()
		resp, err := f.runReport(ctx, property, offset, w)
		metrics.RecordHTTP(f.Job, statusCode(resp, err), err, time.Since(start))
		if err != nil {
			return nil, fmt.Errorf("analytics: run report %s offset=%d: %w", property, offset, err)
		}

		for _, row := range resp.Rows {
			rec, err := convertRow(row)
			if err != nil {
				return nil, fmt.Errorf("analytics: row %d: %w", out.Len(), err)
			}
			if err := out.Append(rec...); err != nil {
				return nil, err
			}
		}

		offset += int64(len(resp.Rows))
		log.Debug().Int64("offset", offset).Int64("row_count", resp.RowCount).Msg("report page")
		if len(resp.Rows) == 0 || offset >= resp.RowCount {
			break
		}
	}

	log.Info().Str("window", w.String()).Int("rows", out.Len()).Msg("stage=fetch ok")
	return out, nil
}

func (f *Fetcher) runReport(ctx context.Context, property string, offset int64, w Window) (*analyticsdata.RunReportResponse, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	return f.Service.Properties.RunReport(property, f.request(w, offset)).Context(ctx).Do()
}

func (f *Fetcher) request(w Window, offset int64) *analyticsdata.RunReportRequest {
	return &analyticsdata.RunReportRequest{
		DateRanges: []*analyticsdata.DateRange{{
			StartDate: w.Start.Format(dateLayout),
			EndDate:   w.End.Format(dateLayout),
		}},
		Dimensions: []*analyticsdata.Dimension{{Name: "date"}, {Name: "landingPage"}},
		Metrics:    []*analyticsdata.Metric{{Name: "sessions"}},
		DimensionFilter: &analyticsdata.FilterExpression{
			AndGroup: &analyticsdata.FilterExpressionList{
				Expressions: []*analyticsdata.FilterExpression{
					stringFilter("sessionSourceMedium", "EXACT", organicSourceMedium),
					stringFilter("landingPage", "BEGINS_WITH", f.LandingPrefix),
				},
			},
		},
		Limit:  f.PageSize,
		Offset: offset,
	}
}

func stringFilter(field, match, value string) *analyticsdata.FilterExpression {
	return &analyticsdata.FilterExpression{
		Filter: &analyticsdata.Filter{
			FieldName: field,
			StringFilter: &analyticsdata.StringFilter{
				MatchType: match,
				Value:     value,
			},
		},
	}
}

func convertRow(row *analyticsdata.Row) ([]any, error) {
	if len(row.DimensionValues) < 2 || len(row.MetricValues) < 1 {
		return nil, fmt.Errorf("want 2 dimensions and 1 metric, got %d and %d", len(row.DimensionValues), len(row.MetricValues))
	}
	date, err := ConvertDate(row.DimensionValues[0].Value)
	if err != nil {
		return nil, err
	}
	return []any{date, row.DimensionValues[1].Value, row.MetricValues[0].Value}, nil
}

// ConvertDate turns GA's YYYYMMDD into YYYY-MM-DD.
func ConvertDate(s string) (string, error) {
	t, err := time.Parse(gaDateLayout, s)
	if err != nil {
		return "", fmt.Errorf("date %q: %w", s, err)
	}
	return t.Format(dateLayout), nil
}

func statusCode(resp *analyticsdata.RunReportResponse, err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	if resp != nil {
		return resp.HTTPStatusCode
	}
	return 0
}
