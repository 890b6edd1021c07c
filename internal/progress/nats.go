package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/valuation-tools/tabctl/internal/model"
)

// Connect dials NATS with reconnects enabled; the connection is shared by the
// progress publisher and the control subscriber.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("tabctl"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return nc, nil
}

// NATS publishes every event as JSON on <subject>.<job_id>.
type NATS struct {
	nc      *nats.Conn
	subject string
}

func NewNATS(nc *nats.Conn, subject string) *NATS {
	return &NATS{nc: nc, subject: subject}
}

func (n *NATS) Subject(jobID string) string {
	return n.subject + "." + jobID
}

func (n *NATS) Emit(_ context.Context, ev model.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(n.Subject(ev.JobID), b); err != nil {
		return fmt.Errorf("publishing progress: %w", err)
	}
	if ev.Terminal {
		// terminal events must not sit in the client buffer when the process exits
		return n.nc.Flush()
	}
	return nil
}
