package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ShayCichocki/waveledger/internal/logger"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "waveledger.tasks"

// wireEvent is the NATS payload. Origin lets a process ignore its own echo.
type wireEvent struct {
	Event
	Origin string `json:"origin"`
}

// NATS relays ledger events between processes over a NATS server. Events are
// published on <prefix>.<task id>.<status> and every event seen on
// <prefix>.> from another process is delivered to local subscribers.
type NATS struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	prefix string
	origin string
	hub    *Hub
}

// ConnectNATS dials url and starts relaying events under prefix.
func ConnectNATS(ctx context.Context, url, prefix string) (*NATS, error) {
	if prefix = strings.Trim(prefix, ". "); prefix == "" {
		prefix = DefaultSubject
	}

	nc, err := nats.Connect(url,
		nats.Name("waveledger"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.G(ctx).WithError(err).Warn("nats disconnected")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	n := &NATS{
		nc:     nc,
		prefix: prefix,
		origin: uuid.NewString(),
		hub:    NewHub(64),
	}

	n.sub, err = nc.Subscribe(prefix+".>", n.handle)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe to %s.>: %w", prefix, err)
	}
	return n, nil
}

// Subject returns the subject an event is published on.
func Subject(prefix string, ev Event) string {
	status := string(ev.Status)
	if status == "" {
		status = string(ev.Kind)
	}
	return fmt.Sprintf("%s.%d.%s", prefix, ev.TaskID, status)
}

func encodeEvent(ev Event, origin string) ([]byte, error) {
	return json.Marshal(wireEvent{Event: ev, Origin: origin})
}

func decodeEvent(data []byte) (Event, string, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, "", err
	}
	return w.Event, w.Origin, nil
}

// Publish implements Publisher. Failures are logged; signals are best effort.
func (n *NATS) Publish(ev Event) {
	data, err := encodeEvent(ev, n.origin)
	if err != nil {
		logger.L.WithError(err).Warn("failed to encode event")
		return
	}
	if err := n.nc.Publish(Subject(n.prefix, ev), data); err != nil {
		logger.L.WithError(err).WithField("task_id", ev.TaskID).Warn("failed to publish event to NATS")
	}
}

func (n *NATS) handle(msg *nats.Msg) {
	ev, origin, err := decodeEvent(msg.Data)
	if err != nil {
		logger.L.WithError(err).WithField("subject", msg.Subject).Debug("ignoring malformed event")
		return
	}
	if origin == n.origin {
		return
	}
	n.hub.Publish(ev)
}

// Subscribe implements Subscriber.
func (n *NATS) Subscribe() (<-chan Event, func()) {
	return n.hub.Subscribe()
}

// Close drains the subscription and closes the connection.
func (n *NATS) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
