package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("billing")
	require.NoError(t, err)

	assert.Equal(t, "billing", cfg.Service.Name)
	assert.Equal(t, "billing", cfg.Database.Schema)
	assert.Equal(t, "billing-reconciler", cfg.Kafka.ConsumerGroup)
	assert.Equal(t, 10*time.Second, cfg.Stripe.Timeout)
	assert.Equal(t, "memory", cfg.Billing.QueueBackend)
	assert.Equal(t, 90*24*time.Hour, cfg.Billing.EventRetention)
	assert.Equal(t, 6*time.Hour, cfg.Billing.SweepStaleAfter)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("BILLING_QUEUE_BACKEND", "redis")
	t.Setenv("BILLING_API_HTTP_PORT", "9191")

	cfg, err := Load("billing-api")
	require.NoError(t, err)

	assert.Equal(t, "whsec_test", cfg.Stripe.WebhookSecret)
	assert.Equal(t, "redis", cfg.Billing.QueueBackend)
	assert.Equal(t, 9191, cfg.HTTP.Port)
}

func TestLoadFileBeatsDefaultsAndEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	svcDir := filepath.Join(dir, "configs", "services", "reconciler")
	require.NoError(t, os.MkdirAll(svcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(svcDir, "config.yaml"), []byte(`
http:
  port: 8086
billing:
  workers: 8
  queue_backend: redis
  plans:
    - slug: starter
      rank: 1
      monthly_price_id: price_starter_m
`), 0o644))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("BILLING_WORKERS", "2")

	cfg, err := Load("reconciler")
	require.NoError(t, err)

	assert.Equal(t, 8086, cfg.HTTP.Port)
	assert.Equal(t, "redis", cfg.Billing.QueueBackend)
	assert.Equal(t, 2, cfg.Billing.Workers)
	assert.Equal(t, 10*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, 8, cfg.Billing.MaxDeliveries)
	assert.Equal(t, 2*time.Second, cfg.Billing.RetryBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Billing.MaxRetryBackoff)
	require.Len(t, cfg.Billing.Plans, 1)
	assert.Equal(t, "price_starter_m", cfg.Billing.Plans[0].MonthlyPriceID)
}

func TestToEnvPrefix(t *testing.T) {
	assert.Equal(t, "BILLING", toEnvPrefix("billing"))
	assert.Equal(t, "BILLING_API", toEnvPrefix("billing-api"))
}

func TestDatabaseDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "ledger", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=ledger sslmode=disable", c.DSN())
}
