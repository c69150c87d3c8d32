// Package telemetry wires the optional New Relic agent.
package telemetry

import (
	"context"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/assetledger/config"
)

// NewApplication starts the New Relic agent. Without a license key it returns
// nil and tracing stays disabled; every helper here accepts a nil application.
func NewApplication(cfg config.Config) (*newrelic.Application, error) {
	if cfg.NewRelicLicenseKey == "" {
		log.Warn().Msg("New Relic license key not provided, tracing will be disabled")
		return nil, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.NewRelicAppName),
		newrelic.ConfigLicense(cfg.NewRelicLicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(cfg.NewRelicLogForward),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize New Relic")
	}
	log.Info().Str("app", cfg.NewRelicAppName).Msg("New Relic tracing enabled")
	return app, nil
}

// StartSegment opens a segment on the transaction carried by ctx. The
// returned func ends it and is safe to call when no transaction exists.
func StartSegment(ctx context.Context, name string) func() {
	txn := newrelic.FromContext(ctx)
	if txn == nil {
		return func() {}
	}
	seg := txn.StartSegment(name)
	return seg.End
}

// NoticeError records err on the transaction carried by ctx, if any.
func NoticeError(ctx context.Context, err error) {
	if txn := newrelic.FromContext(ctx); txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// StartBackground starts a non-web transaction for worker jobs and returns a
// context carrying it. The returned func ends the transaction.
func StartBackground(ctx context.Context, app *newrelic.Application, name string) (context.Context, func()) {
	if app == nil {
		return ctx, func() {}
	}
	txn := app.StartTransaction(name)
	return newrelic.NewContext(ctx, txn), txn.End
}
