// Package dispatch delivers resolved-bridging notifications to downstream
// consumers.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/householdiq-systems/householdiq/internal/logging"
	"github.com/householdiq-systems/householdiq/internal/models"
)

// SubjectResolved is the subject successful resolutions are published on.
const SubjectResolved = "bridging.resolved"

// Dispatcher emits one notification per successful resolution.
type Dispatcher interface {
	DispatchResolved(ctx context.Context, res models.BridgingResolved) error
}

// NATSDispatcher publishes resolution notifications to a NATS subject for the
// external webhook fan-out to consume.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSDispatcher creates a dispatcher publishing on SubjectResolved.
func NewNATSDispatcher(conn *nats.Conn) *NATSDispatcher {
	return &NATSDispatcher{conn: conn, subject: SubjectResolved}
}

func (d *NATSDispatcher) DispatchResolved(_ context.Context, res models.BridgingResolved) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal resolved notification: %w", err)
	}
	if err := d.conn.Publish(d.subject, data); err != nil {
		return fmt.Errorf("publish resolved notification: %w", err)
	}
	return nil
}

// LogDispatcher logs resolutions instead of publishing them. Used when NATS
// is not configured and in tests.
type LogDispatcher struct {
	logger *logging.Logger
}

// NewLogDispatcher creates a log-only dispatcher.
func NewLogDispatcher(logger *logging.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) DispatchResolved(_ context.Context, res models.BridgingResolved) error {
	d.logger.Info("bridging resolved",
		"event_id", res.EventID,
		"household_id", res.HouseholdID,
		"provenance", res.Provenance,
		"confidence", res.Confidence,
	)
	return nil
}

var (
	_ Dispatcher = (*NATSDispatcher)(nil)
	_ Dispatcher = (*LogDispatcher)(nil)
)
