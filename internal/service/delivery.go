package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/yarnnn/yarnnn/internal/models"
)

// LogDeliverer is the default delivery backend. Export to real
// destinations (email, Slack DM, webhooks) happens outside this service;
// this implementation records the hand-off so published versions are
// traceable in the logs.
type LogDeliverer struct {
	logger *zap.Logger
}

func NewLogDeliverer(logger *zap.Logger) *LogDeliverer {
	return &LogDeliverer{logger: logger}
}

func (d *LogDeliverer) Deliver(ctx context.Context, version *models.DeliverableVersion, destination string) error {
	content := version.DraftContent
	if version.FinalContent != nil {
		content = *version.FinalContent
	}
	d.logger.Info("Delivering version",
		zap.Uint("version_id", version.ID),
		zap.String("run_id", version.RunID),
		zap.String("destination", destination),
		zap.Int("content_bytes", len(content)))
	return nil
}
