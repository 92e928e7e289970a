package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-letter-batch/internal/config"
	"github.com/tbourn/go-letter-batch/internal/services"
)

// Subject suffixes under the configured prefix.
const (
	SubjectBatchCompleted   = "batch.completed"
	SubjectBatchFailed      = "batch.failed"
	SubjectCleanupCompleted = "cleanup.completed"
	SubjectError            = "error"
)

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the JSON envelope published for every notification.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// NATSNotifier publishes events as JSON. Publish failures are logged and
// dropped.
type NATSNotifier struct {
	pub    Publisher
	prefix string
	now    func() time.Time
}

// NewNATSNotifier publishes under prefix (e.g. "letters").
func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "letters"
	}
	return &NATSNotifier{pub: pub, prefix: prefix, now: time.Now}
}

// Connect dials NATS with reconnects enabled.
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("letter-batch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats: disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats: reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func (n *NATSNotifier) subject(suffix string) string {
	return n.prefix + "." + suffix
}

func (n *NATSNotifier) publish(suffix string, payload any) {
	subj := n.subject(suffix)
	data, err := json.Marshal(Event{Type: suffix, Timestamp: n.now(), Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("subject", subj).Msg("nats: encode failed")
		return
	}
	if err := n.pub.Publish(subj, data); err != nil {
		log.Warn().Err(err).Str("subject", subj).Msg("nats: publish failed")
	}
}

func (n *NATSNotifier) BatchCompleted(_ context.Context, res *services.BatchResult) {
	if res.Success {
		n.publish(SubjectBatchCompleted, res)
		return
	}
	n.publish(SubjectBatchFailed, res)
}

func (n *NATSNotifier) CleanupCompleted(_ context.Context, res services.CleanupResult) {
	n.publish(SubjectCleanupCompleted, res)
}

func (n *NATSNotifier) Error(_ context.Context, op string, err error) {
	n.publish(SubjectError, map[string]string{"op": op, "error": err.Error()})
}
