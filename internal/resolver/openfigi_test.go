package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

func TestOpenFIGIMapsIdentifiers(t *testing.T) {
	var gotJobs []figiJob
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v3/mapping" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-OPENFIGI-APIKEY") != "secret" {
			t.Errorf("api key header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotJobs); err != nil {
			t.Errorf("decode jobs: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"data":[{"figi":"BBG000B9XRY4","compositeFIGI":"BBG000B9XRY4","ticker":"AAPL","marketSector":"Equity","securityType2":"Common Stock"}]},
			{"warning":"No identifier found."}
		]`))
	}))
	defer srv.Close()

	r := NewOpenFIGIResolver(OpenFIGIConfig{BaseURL: srv.URL, APIKey: "secret", RequestsPerSecond: 1000})
	recs, err := r.Resolve(context.Background(), []domain.IdentifierKey{
		tickerAAPL,
		{Namespace: "ISIN", Domain: "GLOBAL", Value: "XX0000000000"},
		{Namespace: "BROKER", Domain: "ACME", Value: "123"},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if len(gotJobs) != 2 {
		t.Fatalf("expected 2 jobs, unknown namespaces skipped, got %+v", gotJobs)
	}
	if gotJobs[0].IDType != "TICKER" || gotJobs[0].MICCode != "XNAS" {
		t.Fatalf("unexpected ticker job: %+v", gotJobs[0])
	}
	if gotJobs[1].IDType != "ID_ISIN" || gotJobs[1].MICCode != "" {
		t.Fatalf("unexpected isin job: %+v", gotJobs[1])
	}

	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Type != domain.InstrumentTypeEquity || rec.ListingMIC != "XNAS" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	want := []domain.IdentifierKey{
		tickerAAPL,
		{Namespace: "FIGI", Domain: "GLOBAL", Value: "BBG000B9XRY4"},
	}
	if len(rec.Identifiers) != len(want) {
		t.Fatalf("identifiers = %v, want %v", rec.Identifiers, want)
	}
	for i := range want {
		if rec.Identifiers[i] != want[i] {
			t.Fatalf("identifiers = %v, want %v", rec.Identifiers, want)
		}
	}
}

func TestOpenFIGIChunksJobs(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var jobs []figiJob
		json.NewDecoder(r.Body).Decode(&jobs)
		if len(jobs) > openFIGIJobsAnon {
			t.Errorf("request carried %d jobs", len(jobs))
		}
		out := make([]figiResult, len(jobs))
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	keys := make([]domain.IdentifierKey, 25)
	for i := range keys {
		keys[i] = domain.IdentifierKey{Namespace: "CUSIP", Domain: "US", Value: string(rune('A' + i))}
	}
	r := NewOpenFIGIResolver(OpenFIGIConfig{BaseURL: srv.URL, RequestsPerSecond: 1000})
	if _, err := r.Resolve(context.Background(), keys); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if requests != 3 {
		t.Fatalf("expected 3 requests, got %d", requests)
	}
}

func TestOpenFIGIRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := NewOpenFIGIResolver(OpenFIGIConfig{BaseURL: srv.URL, RequestsPerSecond: 1000})
	_, err := r.Resolve(context.Background(), []domain.IdentifierKey{isinAAPL})
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestOpenFIGINoJobsNoRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request")
	}))
	defer srv.Close()

	r := NewOpenFIGIResolver(OpenFIGIConfig{BaseURL: srv.URL})
	recs, err := r.Resolve(context.Background(), []domain.IdentifierKey{{Namespace: "BROKER", Domain: "X", Value: "1"}})
	if err != nil || len(recs) != 0 {
		t.Fatalf("expected nothing, got %v %v", recs, err)
	}
}
