package controller

import (
	"context"

	"github.com/Lars-Olof-Turesson/flowcal/telemetry"
)

// Publisher announces finished runs. *telemetry.MQTTPublisher implements it.
type Publisher interface {
	PublishRun(ctx context.Context, summary telemetry.RunSummary) error
	Close() error
}

var _ Publisher = &telemetry.MQTTPublisher{}

type noopPublisher struct{}

var _ Publisher = noopPublisher{}

// PublishRun implements Publisher.
func (noopPublisher) PublishRun(context.Context, telemetry.RunSummary) error {
	return nil
}

// Close implements Publisher.
func (noopPublisher) Close() error {
	return nil
}
