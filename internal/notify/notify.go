package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Kind identifies an alert category
type Kind string

const (
	KindAuthFailure         Kind = "auth_failure"
	KindSyncFailed          Kind = "sync_failed"
	KindTokenRefreshFailed  Kind = "token_refresh_failed"
	KindReconciliationDrift Kind = "reconciliation_drift"
	KindScheduleError       Kind = "schedule_error"
)

// Notifier is a fire-and-forget alert sink. Implementations never return errors to the caller.
type Notifier interface {
	Notify(ctx context.Context, kind Kind, fields map[string]interface{})
}

// Alert is the serialized form published to external sinks
type Alert struct {
	Kind      Kind                   `json:"kind"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// LogNotifier writes alerts to the service log
type LogNotifier struct {
	logger *logrus.Entry
}

// NewLogNotifier creates a notifier backed by logger
func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.WithField("component", "notify")}
}

// Notify implements Notifier
func (n *LogNotifier) Notify(_ context.Context, kind Kind, fields map[string]interface{}) {
	n.logger.WithFields(logrus.Fields(fields)).WithField("alert", kind).Warn("Alert raised")
}

// SlackNotifier posts alerts to a Slack incoming webhook in the background
type SlackNotifier struct {
	webhookURL string
	httpClient *http.Client
	logger     *logrus.Entry
	wg         sync.WaitGroup
}

// NewSlackNotifier creates a Slack notifier
func NewSlackNotifier(webhookURL string, logger *logrus.Logger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.WithField("component", "notify.slack"),
	}
}

// Notify implements Notifier
func (n *SlackNotifier) Notify(_ context.Context, kind Kind, fields map[string]interface{}) {
	text := FormatText(kind, fields)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.WithField("panic", r).Error("Slack notifier panicked")
			}
		}()

		// Detached from the caller so a finished request does not cancel the alert
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.post(ctx, text); err != nil {
			n.logger.WithError(err).WithField("alert", kind).Warn("Failed to deliver Slack alert")
		}
	}()
}

func (n *SlackNotifier) post(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Wait blocks until in-flight alerts are delivered
func (n *SlackNotifier) Wait() {
	n.wg.Wait()
}

// NATSNotifier publishes alerts as JSON on esl.alerts.<kind>
type NATSNotifier struct {
	conn   *nats.Conn
	prefix string
	logger *logrus.Entry
}

// NewNATSNotifier connects to NATS
func NewNATSNotifier(natsURL string, logger *logrus.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("esl-sync-service-alerts"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSNotifier{
		conn:   conn,
		prefix: "esl.alerts",
		logger: logger.WithField("component", "notify.nats"),
	}, nil
}

// Subject returns the subject an alert kind is published on
func (n *NATSNotifier) Subject(kind Kind) string {
	return n.prefix + "." + string(kind)
}

// Notify implements Notifier
func (n *NATSNotifier) Notify(_ context.Context, kind Kind, fields map[string]interface{}) {
	data, err := json.Marshal(Alert{Kind: kind, Fields: fields, Timestamp: time.Now().UTC()})
	if err != nil {
		n.logger.WithError(err).Warn("Failed to encode alert")
		return
	}
	if err := n.conn.Publish(n.Subject(kind), data); err != nil {
		n.logger.WithError(err).WithField("alert", kind).Warn("Failed to publish alert")
	}
}

// IsConnected returns true if connected to NATS
func (n *NATSNotifier) IsConnected() bool {
	return n.conn.IsConnected()
}

// Close drains the connection
func (n *NATSNotifier) Close() {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

// Multi fans an alert out to every sink, isolating each from the others' panics
type Multi struct {
	sinks  []Notifier
	logger *logrus.Entry
}

// NewMulti creates a fan-out notifier
func NewMulti(logger *logrus.Logger, sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks, logger: logger.WithField("component", "notify")}
}

// Notify implements Notifier
func (m *Multi) Notify(ctx context.Context, kind Kind, fields map[string]interface{}) {
	for _, sink := range m.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.WithField("panic", r).WithField("alert", kind).Error("Alert sink panicked")
				}
			}()
			sink.Notify(ctx, kind, fields)
		}()
	}
}

// Nop discards alerts
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(context.Context, Kind, map[string]interface{}) {}

// FormatText renders an alert as a single human readable line with sorted fields
func FormatText(kind Kind, fields map[string]interface{}) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, ":rotating_light: *%s*", kind)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
