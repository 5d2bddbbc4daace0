package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.BatchCreated("TXS_TIMESERIES")
	m.Staged("tx", 3)
	m.Merge("merged", 2)
	m.ResolverCall("static", time.Millisecond, nil)
	m.BatchFinished(time.Second)
}

func TestMergeCountsRetiredInstruments(t *testing.T) {
	m := New()
	m.Merge("merged", 2)
	m.Merge("single", 0)

	out := scrape(t, m)
	for _, want := range []string{
		`portfoliodb_instruments_retired_total 2`,
		`portfoliodb_merges_total{outcome="merged"} 1`,
		`portfoliodb_merges_total{outcome="single"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
}

func TestResolverCallOutcome(t *testing.T) {
	m := New()
	m.ResolverCall("openfigi", 10*time.Millisecond, errors.New("boom"))
	m.ResolverCall("openfigi", 10*time.Millisecond, nil)

	out := scrape(t, m)
	for _, want := range []string{
		`portfoliodb_resolver_lookups_total{outcome="error",resolver="openfigi"} 1`,
		`portfoliodb_resolver_lookups_total{outcome="ok",resolver="openfigi"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
}

func TestStagedIgnoresEmptyWrites(t *testing.T) {
	m := New()
	m.Staged("tx", 5)
	m.Staged("price", 0)

	out := scrape(t, m)
	if !strings.Contains(out, `portfoliodb_rows_staged_total{kind="tx"} 5`) {
		t.Fatalf("metrics output missing staged rows:\n%s", out)
	}
	if strings.Contains(out, `kind="price"`) {
		t.Fatalf("empty staging write produced a series:\n%s", out)
	}
}
