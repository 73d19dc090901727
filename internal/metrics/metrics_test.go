package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"spectracam/internal/jobs"
)

func TestObserveJob(t *testing.T) {
	m := New()
	now := time.Now()
	m.ObserveJob(jobs.Record{
		Name:   "capture",
		Status: jobs.StatusSucceeded,
		Times:  jobs.Times{Enqueued: now, Started: now.Add(time.Millisecond), Completed: now.Add(20 * time.Millisecond)},
	})
	m.ObserveJob(jobs.Record{Name: "capture", Status: jobs.StatusCanceled})

	body := scrape(t, m)
	for _, want := range []string{
		`spectracam_jobs_completed_total{name="capture",status="` + jobs.StatusSucceeded.String() + `"} 1`,
		`spectracam_jobs_completed_total{name="capture",status="` + jobs.StatusCanceled.String() + `"} 1`,
		`spectracam_job_duration_seconds_count{name="capture"} 1`,
		`spectracam_job_queue_wait_seconds_count 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestHandlerServesFuncMetrics(t *testing.T) {
	m := New()
	m.Gauge("pool_outstanding_buffers", "Rented buffers not yet returned.", func() float64 { return 3 })
	m.Counter("stream_frames_evicted_total", "Unread frames replaced by newer ones.", func() float64 { return 7 })

	body := scrape(t, m)
	for _, want := range []string{
		"spectracam_pool_outstanding_buffers 3",
		"spectracam_stream_frames_evicted_total 7",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}
