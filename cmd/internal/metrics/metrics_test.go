package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sessiond/cmd/internal/auth/session"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_CountsEvents(t *testing.T) {
	t.Parallel()

	m := New()
	ctx := context.Background()

	m.Admitted(ctx, session.AdmitResult{Outcome: session.OutcomeCreated})
	m.Admitted(ctx, session.AdmitResult{Outcome: session.OutcomeCreated})
	m.Admitted(ctx, session.AdmitResult{Outcome: session.OutcomeRenewed})
	m.Revoked(ctx, session.Session{}, session.ReasonEvicted)
	m.Revoked(ctx, session.Session{}, session.ReasonRevoked)
	m.RevokedAll(ctx, "u", "", 4)
	m.Swept(ctx, 7, time.Millisecond, nil)
	m.Swept(ctx, 0, time.Millisecond, errors.New("db down"))

	if got := testutil.ToFloat64(m.admissions.WithLabelValues("created")); got != 2 {
		t.Fatalf("expected 2 created admissions, got %v", got)
	}
	if got := testutil.ToFloat64(m.evictions); got != 1 {
		t.Fatalf("expected 1 eviction, got %v", got)
	}
	if got := testutil.ToFloat64(m.revocations.WithLabelValues("bulk")); got != 4 {
		t.Fatalf("expected 4 bulk revocations, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepDeleted); got != 7 {
		t.Fatalf("expected 7 swept, got %v", got)
	}
	if got := testutil.ToFloat64(m.sweepFailures); got != 1 {
		t.Fatalf("expected 1 sweep failure, got %v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.Admitted(context.Background(), session.AdmitResult{Outcome: session.OutcomeReplaced})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `sessiond_admissions_total{outcome="replaced"} 1`) {
		t.Fatalf("expected admissions metric in output, got:\n%s", body)
	}
}
