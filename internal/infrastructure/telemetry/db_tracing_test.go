package telemetry_test

import (
	"context"
	"strings"
	"testing"

	"github.com/erp/overage-billing/internal/infrastructure/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type tracedRow struct {
	ID       uint `gorm:"primaryKey"`
	StripeID string
}

func openTracedDB(t *testing.T, cfg telemetry.DBTracingConfig) (*gorm.DB, *tracetest.SpanRecorder) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tracedRow{}))

	recorder := tracetest.NewSpanRecorder()
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, telemetry.RegisterDBTracing(db, cfg, zap.NewNop()))
	return db, recorder
}

func TestRegisterDBTracing_Disabled(t *testing.T) {
	db, recorder := openTracedDB(t, telemetry.DBTracingConfig{Enabled: false})

	require.NoError(t, db.Create(&tracedRow{StripeID: "cus_123"}).Error)
	assert.Empty(t, recorder.Ended())
}

func TestRegisterDBTracing_HidesQueryVariables(t *testing.T) {
	db, recorder := openTracedDB(t, telemetry.DBTracingConfig{Enabled: true, DBSystem: "sqlite"})

	ctx := context.Background()
	require.NoError(t, db.WithContext(ctx).Create(&tracedRow{StripeID: "cus_secret"}).Error)
	var got tracedRow
	require.NoError(t, db.WithContext(ctx).Where("stripe_id = ?", "cus_secret").First(&got).Error)

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	for _, span := range spans {
		for _, attr := range span.Attributes() {
			assert.NotContains(t, attr.Value.Emit(), "cus_secret", "span %s leaks %s", span.Name(), attr.Key)
		}
	}
}

func TestRegisterDBTracing_IncludeQueryVariables(t *testing.T) {
	db, recorder := openTracedDB(t, telemetry.DBTracingConfig{Enabled: true, DBSystem: "sqlite", IncludeQueryVariables: true})

	require.NoError(t, db.Create(&tracedRow{StripeID: "cus_visible"}).Error)

	var found bool
	for _, span := range recorder.Ended() {
		for _, attr := range span.Attributes() {
			if strings.Contains(attr.Value.Emit(), "cus_visible") {
				found = true
			}
		}
	}
	assert.True(t, found)
}
