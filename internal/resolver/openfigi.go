package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// OpenFIGI limits: jobs per mapping request and requests per window, with
// and without an API key.
const (
	openFIGIJobsAnon  = 10
	openFIGIJobsKeyed = 100
	openFIGIAnonRate  = 25.0 / 60.0 // 25 requests per minute
	openFIGIKeyedRate = 25.0 / 6.0  // 25 requests per 6 seconds
)

// OpenFIGIConfig configures the OpenFIGI mapping client.
type OpenFIGIConfig struct {
	BaseURL string
	APIKey  string
	// RequestsPerSecond overrides the documented rate limit when > 0.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// OpenFIGIResolver resolves identifiers through the OpenFIGI mapping API.
type OpenFIGIResolver struct {
	baseURL    string
	apiKey     string
	jobsPerReq int
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewOpenFIGIResolver creates an OpenFIGI resolver.
func NewOpenFIGIResolver(cfg OpenFIGIConfig) *OpenFIGIResolver {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openfigi.com"
	}
	rps, jobs := openFIGIAnonRate, openFIGIJobsAnon
	if cfg.APIKey != "" {
		rps, jobs = openFIGIKeyedRate, openFIGIJobsKeyed
	}
	if cfg.RequestsPerSecond > 0 {
		rps = cfg.RequestsPerSecond
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenFIGIResolver{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		jobsPerReq: jobs,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *OpenFIGIResolver) Name() string { return "openfigi" }

type figiJob struct {
	IDType  string `json:"idType"`
	IDValue string `json:"idValue"`
	MICCode string `json:"micCode,omitempty"`
}

type figiInstrument struct {
	FIGI          string `json:"figi"`
	CompositeFIGI string `json:"compositeFIGI"`
	Name          string `json:"name"`
	Ticker        string `json:"ticker"`
	ExchCode      string `json:"exchCode"`
	MarketSector  string `json:"marketSector"`
	SecurityType  string `json:"securityType"`
	SecurityType2 string `json:"securityType2"`
}

type figiResult struct {
	Data    []figiInstrument `json:"data"`
	Warning string           `json:"warning"`
	Error   string           `json:"error"`
}

// idTypes maps identifier namespaces to OpenFIGI idType values.
var idTypes = map[string]string{
	"ISIN":   "ID_ISIN",
	"CUSIP":  "ID_CUSIP",
	"SEDOL":  "ID_SEDOL",
	"FIGI":   "ID_BB_GLOBAL",
	"TICKER": "TICKER",
}

// Resolve maps keys in chunks. Keys in namespaces OpenFIGI does not know are
// skipped, as are keys it has no match for.
func (r *OpenFIGIResolver) Resolve(ctx context.Context, keys []domain.IdentifierKey) ([]domain.InstrumentRecord, error) {
	var (
		jobs   []figiJob
		jobKey []domain.IdentifierKey
	)
	for _, k := range keys {
		idType, ok := idTypes[strings.ToUpper(k.Namespace)]
		if !ok || k.Value == "" {
			continue
		}
		job := figiJob{IDType: idType, IDValue: k.Value}
		if idType == "TICKER" && isMIC(k.Domain) {
			job.MICCode = k.Domain
		}
		jobs = append(jobs, job)
		jobKey = append(jobKey, k)
	}

	var out []domain.InstrumentRecord
	for start := 0; start < len(jobs); start += r.jobsPerReq {
		end := min(start+r.jobsPerReq, len(jobs))

		results, err := r.mapping(ctx, jobs[start:end])
		if err != nil {
			return nil, fmt.Errorf("openfigi: mapping: %w", err)
		}
		if len(results) != end-start {
			return nil, fmt.Errorf("openfigi: mapping returned %d results for %d jobs", len(results), end-start)
		}
		for i, res := range results {
			if res.Error != "" || len(res.Data) == 0 {
				continue
			}
			out = append(out, toInstrumentRecord(jobKey[start+i], res.Data[0]))
		}
	}
	return out, nil
}

func (r *OpenFIGIResolver) mapping(ctx context.Context, jobs []figiJob) ([]figiResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(jobs)
	if err != nil {
		return nil, fmt.Errorf("encode jobs: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v3/mapping", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-OPENFIGI-APIKEY", r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.ErrRateLimited
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, domain.ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data, 200))
	}

	var results []figiResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return results, nil
}

func toInstrumentRecord(key domain.IdentifierKey, fi figiInstrument) domain.InstrumentRecord {
	rec := domain.InstrumentRecord{
		Type:        instrumentType(fi),
		Identifiers: []domain.IdentifierKey{key},
	}
	if isMIC(key.Domain) {
		rec.ListingMIC = key.Domain
	}
	if fi.FIGI != "" {
		figi := domain.IdentifierKey{Namespace: "FIGI", Domain: "GLOBAL", Value: fi.FIGI}
		if figi != key {
			rec.Identifiers = append(rec.Identifiers, figi)
		}
	}
	if fi.CompositeFIGI != "" && fi.CompositeFIGI != fi.FIGI {
		rec.Identifiers = append(rec.Identifiers,
			domain.IdentifierKey{Namespace: "FIGI", Domain: "COMPOSITE", Value: fi.CompositeFIGI})
	}
	return rec
}

func instrumentType(fi figiInstrument) domain.InstrumentType {
	switch strings.ToLower(fi.SecurityType2) {
	case "common stock", "depositary receipt", "preference":
		return domain.InstrumentTypeEquity
	case "etp":
		return domain.InstrumentTypeETF
	case "mutual fund":
		return domain.InstrumentTypeFund
	case "option":
		return domain.InstrumentTypeOption
	case "future":
		return domain.InstrumentTypeFuture
	}
	switch strings.ToLower(fi.MarketSector) {
	case "govt", "corp", "muni", "mtge":
		return domain.InstrumentTypeBond
	case "curncy":
		return domain.InstrumentTypeCash
	}
	return domain.InstrumentTypeUnknown
}

// isMIC reports whether s looks like an ISO 10383 market identifier code.
func isMIC(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, c := range s {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
