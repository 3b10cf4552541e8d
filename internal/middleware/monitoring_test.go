package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMonitoring_RecordsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	handler := Monitoring(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/123/messages", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	var requests, errors *dto.MetricFamily
	for _, mf := range families {
		switch mf.GetName() {
		case "http_requests_total":
			requests = mf
		case "http_errors_total":
			errors = mf
		}
	}
	if requests == nil || len(requests.Metric) != 1 {
		t.Fatal("http_requests_total not recorded")
	}
	if requests.Metric[0].Counter.GetValue() != 1 {
		t.Errorf("requests counter = %v, want 1", requests.Metric[0].Counter.GetValue())
	}
	// 418 counts as an error, with the numeric segment sanitized.
	if errors == nil || len(errors.Metric) != 1 {
		t.Fatal("http_errors_total not recorded for 4xx")
	}
	for _, label := range errors.Metric[0].Label {
		if label.GetName() == "path" && label.GetValue() != "/api/conversations/:id/messages" {
			t.Errorf("path label = %q, want sanitized", label.GetValue())
		}
	}
}

func TestRecordJobAndStage(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordJob("complete")
	m.RecordJob("complete")
	m.RecordJob("error")
	m.RecordStage("search", 120)

	families, _ := reg.Gather()
	byName := map[string]*dto.MetricFamily{}
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	jobs := byName["generation_jobs_total"]
	if jobs == nil || len(jobs.Metric) != 2 {
		t.Fatalf("generation_jobs_total families = %+v", jobs)
	}
	stages := byName["generation_stage_duration_seconds"]
	if stages == nil || stages.Metric[0].Histogram.GetSampleCount() != 1 {
		t.Fatal("stage duration not observed")
	}
}

func TestSanitizePath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/api/health", "/api/health"},
		{"/api/conversations/4f8b9e9e-0000-1111-2222-333344445555/messages", "/api/conversations/:id/messages"},
		{"/api/items/12345", "/api/items/:id"},
		{"/", "/"},
		{"", "/"},
	}
	for _, tc := range cases {
		if got := sanitizePath(tc.in); got != tc.want {
			t.Errorf("sanitizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
