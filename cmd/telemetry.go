package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/goloop/internal/config"
	"github.com/nextlevelbuilder/goloop/internal/tracing"
	"github.com/nextlevelbuilder/goloop/internal/tracing/otelexport"
)

// initOTelExporter creates and wires the OpenTelemetry OTLP exporter
// when the telemetry config is enabled.
func initOTelExporter(ctx context.Context, cfg *config.Config, collector *tracing.Collector, logger *slog.Logger) {
	if collector == nil {
		return
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint == "" {
		logger.Debug("OTel export not enabled (set telemetry.enabled + telemetry.endpoint)")
		return
	}

	otelExp, err := otelexport.New(ctx, otelexport.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		logger.Warn("failed to create OTel exporter", "error", err)
		return
	}

	collector.SetExporter(otelExp)
	logger.Info("OpenTelemetry OTLP export enabled",
		"endpoint", cfg.Telemetry.Endpoint,
		"protocol", cfg.Telemetry.Protocol,
	)
}
