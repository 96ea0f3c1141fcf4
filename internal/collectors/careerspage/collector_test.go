package careerspage

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2bit/jobtracker/internal/collector"
	collyfetcher "github.com/a2bit/jobtracker/internal/fetcher/colly"
)

const boardPage1 = `<html><body>
<ul>
  <li class="job" data-job-id="j-1"><a href="/jobs/1"><h3>Backend Engineer</h3></a><span class="loc">Berlin</span></li>
  <li class="job" data-job-id="j-2"><a href="/jobs/2"><h3>Data Engineer</h3></a><span class="loc">Remote</span></li>
  <li class="job" data-job-id="j-3"><a href="/jobs/3"><h3> </h3></a></li>
</ul>
<a class="next" href="/jobs?page=2">Next</a>
</body></html>`

const boardPage2 = `<html><body>
<ul>
  <li class="job" data-job-id="j-2"><a href="/jobs/2"><h3>Data Engineer</h3></a></li>
  <li class="job" data-job-id="j-4"><a href="/jobs/4"><h3>SRE</h3></a><span class="loc">Hamburg</span></li>
</ul>
<a class="next" href="/jobs">Back to start</a>
</body></html>`

func boardServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		switch r.URL.Query().Get("page") {
		case "", "1":
			_, _ = fmt.Fprint(w, boardPage1)
		case "2":
			_, _ = fmt.Fprint(w, boardPage2)
		default:
			http.NotFound(w, r)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestCollector() *Collector {
	return New(Options{
		Source:  "acme-boards",
		Factory: collyfetcher.New(collyfetcher.Config{UserAgent: "jobtracker-test"}),
	})
}

func collectAll(ctx context.Context, c *Collector, cfg collector.SourceConfig) ([]collector.RawRecord, error) {
	var out []collector.RawRecord
	for rec, err := range c.Collect(ctx, cfg) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func TestCollectFollowsNextLinks(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := boardServer(t, &hits)

	cfg := collector.CareersPageConfig{
		StartURL:         srv.URL + "/jobs",
		Employer:         "Acme",
		ItemSelector:     "li.job",
		TitleSelector:    "h3",
		LocationSelector: ".loc",
		IDAttr:           "data-job-id",
		NextSelector:     "a.next",
	}
	records, err := collectAll(context.Background(), newTestCollector(), cfg)
	require.NoError(t, err)

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.SourceID)
		assert.Equal(t, "Acme", rec.Employer)
	}
	assert.Equal(t, []string{"j-1", "j-2", "j-4"}, ids)
	assert.Equal(t, "Backend Engineer", records[0].Title)
	assert.Equal(t, srv.URL+"/jobs/1", records[0].URL)
	assert.Equal(t, "Berlin", records[0].Location)
	assert.Equal(t, "Hamburg", records[2].Location)
	assert.Contains(t, string(records[0].Raw), `"title":"Backend Engineer"`)
	// page 2 links back to the start page, which is not fetched twice
	assert.EqualValues(t, 2, hits.Load())
}

func TestCollectUsesLinkAsIDAndRespectsMaxPages(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := boardServer(t, &hits)

	cfg := collector.CareersPageConfig{
		StartURL:      srv.URL + "/jobs",
		Employer:      "Acme",
		ItemSelector:  "li.job",
		TitleSelector: "h3",
		LinkSelector:  "a",
		NextSelector:  "a.next",
		MaxPages:      1,
	}
	records, err := collectAll(context.Background(), newTestCollector(), cfg)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, srv.URL+"/jobs/1", records[0].SourceID)
	assert.EqualValues(t, 1, hits.Load())
}

func TestCollectMissingStartPageIsConfigInvalid(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cfg := collector.CareersPageConfig{StartURL: srv.URL + "/gone", Employer: "Acme", ItemSelector: "li", TitleSelector: "h3"}
	_, err := collectAll(context.Background(), newTestCollector(), cfg)
	kind, ok := collector.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, collector.KindConfigInvalid, kind)
}

func TestCollectServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := collector.CareersPageConfig{StartURL: srv.URL, Employer: "Acme", ItemSelector: "li", TitleSelector: "h3"}
	_, err := collectAll(context.Background(), newTestCollector(), cfg)
	kind, ok := collector.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, collector.KindTransient, kind)
}

func TestCollectSelectorDriftIsMalformed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, `<ul><li class="job"><span>Renamed markup</span></li></ul>`)
	}))
	defer srv.Close()

	cfg := collector.CareersPageConfig{StartURL: srv.URL, Employer: "Acme", ItemSelector: "li.job", TitleSelector: "h3"}
	_, err := collectAll(context.Background(), newTestCollector(), cfg)
	kind, ok := collector.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, collector.KindMalformed, kind)
}

func TestCollectEmptyBoardYieldsNothing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, `<p>No openings right now.</p>`)
	}))
	defer srv.Close()

	cfg := collector.CareersPageConfig{StartURL: srv.URL, Employer: "Acme", ItemSelector: "li.job", TitleSelector: "h3"}
	records, err := collectAll(context.Background(), newTestCollector(), cfg)
	require.NoError(t, err)
	assert.Empty(t, records)
}

type deniedLimiter struct{}

func (deniedLimiter) Wait(context.Context, string) error { return context.Canceled }

func TestCollectLimiterFailureIsTransient(t *testing.T) {
	t.Parallel()

	c := New(Options{Limiter: deniedLimiter{}})
	cfg := collector.CareersPageConfig{StartURL: "http://127.0.0.1:1/jobs", Employer: "Acme", ItemSelector: "li", TitleSelector: "h3"}
	_, err := collectAll(context.Background(), c, cfg)
	require.ErrorIs(t, err, context.Canceled)
	kind, _ := collector.KindOf(err)
	assert.Equal(t, collector.KindTransient, kind)
}

func TestCollectRejectsWrongConfigKind(t *testing.T) {
	t.Parallel()

	_, err := collectAll(context.Background(), newTestCollector(), collector.HiringCafeConfig{})
	kind, ok := collector.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, collector.KindConfigInvalid, kind)
}
