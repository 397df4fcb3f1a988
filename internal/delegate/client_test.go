package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/datalith/tabular-ingest/internal/breaker"
	"github.com/datalith/tabular-ingest/internal/ingest"
)

func TestClient_Process(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ingest.ProcessingResult{
			RowCount:     3,
			SuccessCount: 2,
			ErrorCount:   1,
			Summaries: []ingest.RegionSummary{
				{Region: "EU", Country: "DE", Count: 2, AmountSum: 150, AmountAvg: 75},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	result, err := c.Process(context.Background(), Request{
		FileName:  "sales.csv",
		Kind:      ingest.KindCSV,
		CallerKey: "tenant-a",
		Payload:   []byte("id,region,country,amount\n1,EU,DE,100\n"),
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if got.FileName != "sales.csv" || got.CallerKey != "tenant-a" {
		t.Errorf("request not carried: %+v", got)
	}
	if string(got.Payload) != "id,region,country,amount\n1,EU,DE,100\n" {
		t.Errorf("payload corrupted in transit: %q", got.Payload)
	}
	if result.RowCount != 3 || len(result.Summaries) != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Process(context.Background(), Request{FileName: "f.csv"})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestClient_SingleAttempt(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	c.Process(context.Background(), Request{FileName: "f.csv"})
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1: retries belong to the breaker, not the client", calls)
	}
}

func TestClient_UnderBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	b := breaker.New("delegate", breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour})
	ctx := context.Background()

	do := func() error {
		return b.Execute(func() error {
			_, err := c.Process(ctx, Request{FileName: "f.csv"})
			return err
		})
	}

	if err := do(); err == nil || errors.Is(err, breaker.ErrCircuitOpen) {
		t.Fatalf("first failure: err = %v, want the http error", err)
	}
	do()

	if err := do(); !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Errorf("err = %v after threshold, want ErrCircuitOpen", err)
	}
}
