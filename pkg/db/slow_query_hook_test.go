package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSlowQueryTracerLogsOnlySlowQueries(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tr := NewSlowQueryTracer(zap.New(core), 10*time.Millisecond)

	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})
	assert.Equal(t, 0, logs.Len())

	slow := context.WithValue(context.Background(), queryStartKey{}, queryStart{at: time.Now().Add(-time.Second), sql: "INSERT INTO failed_jobs VALUES ($1)"})
	tr.TraceQueryEnd(slow, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("INSERT 0 1")})
	if assert.Equal(t, 1, logs.Len()) {
		assert.Equal(t, "slow-query", logs.All()[0].Message)
	}
}

func TestOperationLabel(t *testing.T) {
	assert.Equal(t, "insert", operation("  INSERT INTO x"))
	assert.Equal(t, "unknown", operation(""))
}
