package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/subpool/internal/adapter/metrics"
	"github.com/stretchr/testify/assert"
)

func TestQueryName(t *testing.T) {
	assert.Equal(t, "SELECT", queryName("select id from subscriptions"))
	assert.Equal(t, "INSERT", queryName("\n\tINSERT INTO subscriptions"))
	assert.Equal(t, "unknown", queryName("  "))
}

func TestQueryTracer_RecordsDurationAndErrors(t *testing.T) {
	m := metrics.NewDatabaseMetrics(prometheus.NewRegistry())
	clock := clockwork.NewFakeClock()
	tracer := NewQueryTracer(m, clock)

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "DELETE FROM subscriptions"})
	clock.Advance(20 * time.Millisecond)
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	assert.Equal(t, 1, testutil.CollectAndCount(m.QueryDuration))
	assert.InDelta(t, 1, testutil.ToFloat64(m.QueryErrors.WithLabelValues("DELETE")), 0)
}

func TestQueryTracer_IgnoresUntracedContext(t *testing.T) {
	m := metrics.NewDatabaseMetrics(prometheus.NewRegistry())
	tracer := NewQueryTracer(m, clockwork.NewFakeClock())

	tracer.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	assert.Equal(t, 0, testutil.CollectAndCount(m.QueryErrors))
}
