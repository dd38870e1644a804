package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestBenchKey(t *testing.T) {
	for _, idx := range []uint64{0, 42, 1 << 40} {
		k := benchKey(idx)
		if len(k) != 32 || !strings.HasPrefix(k, "SH-id") {
			t.Errorf("benchKey(%d) = %q, want 32 chars with SH-id prefix", idx, k)
		}
	}
	if benchKey(1) == benchKey(2) {
		t.Error("expected distinct keys")
	}
}

func TestPrintEnhancedReport(t *testing.T) {
	stats := &Stats{
		TotalRequests: 10,
		Valid:         6,
		Rejected:      2,
		Errors:        2,
		Latencies:     make(chan time.Duration, 10),
	}
	stats.Latencies <- 10 * time.Millisecond
	stats.Latencies <- 20 * time.Millisecond
	close(stats.Latencies)

	out := &bytes.Buffer{}
	printEnhancedReport(out, 1*time.Second, stats, 1)

	for _, want := range []string{"Throughput:       8.00 validations/sec", "Reliability:      80.00%", "Max:              20ms"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("expected %q in report:\n%s", want, out.String())
		}
	}
}

func newValidateServer(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/keys/validate" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body validateBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := atomic.AddInt64(hits, 1)
		switch n % 3 {
		case 0:
			w.WriteHeader(http.StatusForbidden)
		case 1:
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
}

func TestRunWorker(t *testing.T) {
	var hits int64
	srv := newValidateServer(t, &hits)
	defer srv.Close()

	stats := &Stats{Latencies: make(chan time.Duration, 6)}
	runWorker(srv.Client(), srv.URL+"/", 6, 0, 100, 1.1, 100, stats)

	if stats.TotalRequests != 6 || hits != 6 {
		t.Fatalf("expected 6 requests, got %d (server saw %d)", stats.TotalRequests, hits)
	}
	if stats.Valid != 2 || stats.Rejected != 2 || stats.Throttled != 2 {
		t.Errorf("unexpected outcome split: %+v", stats)
	}
	if len(stats.Latencies) != 4 {
		t.Errorf("expected latencies for answered requests only, got %d", len(stats.Latencies))
	}
}

func TestRunBenchmark(t *testing.T) {
	var hits int64
	srv := newValidateServer(t, &hits)
	defer srv.Close()

	runBenchmark(srv.URL, 10, 2, 100, 1.1, 100)
	if hits != 10 {
		t.Errorf("expected 10 validations, got %d", hits)
	}
}

func TestRunBenchmark_UnevenSplit(t *testing.T) {
	var hits int64
	srv := newValidateServer(t, &hits)
	defer srv.Close()

	runBenchmark(srv.URL, 10, 3, 0, 1.1, 100)
	if hits != 10 {
		t.Errorf("expected all 10 validations with 3 workers, got %d", hits)
	}
}

func TestWorkerShare(t *testing.T) {
	total := 0
	for id := 0; id < 3; id++ {
		total += workerShare(10, 3, id)
	}
	if total != 10 || workerShare(10, 3, 0) != 4 || workerShare(10, 3, 2) != 3 {
		t.Errorf("unexpected split of 10 over 3 workers")
	}
}

func TestRunWorker_ConnError(t *testing.T) {
	stats := &Stats{Latencies: make(chan time.Duration, 1)}
	client := &http.Client{Timeout: 200 * time.Millisecond}
	runWorker(client, "http://127.0.0.1:1", 1, 0, 100, 1.1, 100, stats)
	if stats.Errors != 1 {
		t.Errorf("expected 1 error, got %d", stats.Errors)
	}
}

func TestSeedDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %s", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO scripts").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO license_keys").WillReturnResult(sqlmock.NewResult(10, 10))

	if err := seedDatabase(context.Background(), db, 10, 5); err != nil {
		t.Errorf("seedDatabase failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSeedDatabase_ScriptFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %s", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectExec("INSERT INTO scripts").WillReturnError(errors.New("connection refused"))

	if err := seedDatabase(context.Background(), db, 10, 5); err == nil {
		t.Error("expected error when the script insert fails")
	}
}
