package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/exp/slog"
)

const (
	subjectChanges = "sync.changes."
	subjectForce   = "sync.force."
)

// publisher часть *nats.Conn, нужная нотификатору
type publisher interface {
	Publish(subj string, data []byte) error
}

// ChangesEvent публикуется после коммита изменений сущностей
type ChangesEvent struct {
	UserID    string    `json:"user_id"`
	EntityIDs []string  `json:"entity_ids"`
	At        time.Time `json:"at"`
}

// ForceEvent просит устройство немедленно синхронизироваться
type ForceEvent struct {
	UserID   string    `json:"user_id"`
	DeviceID string    `json:"device_id"`
	At       time.Time `json:"at"`
}

// NATSNotifier публикует события синхронизации в NATS
type NATSNotifier struct {
	conn  publisher
	close func()
	log   *slog.Logger
}

// Connect подключается к NATS по url
func Connect(url string, log *slog.Logger) (*NATSNotifier, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("possync-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	n := NewNATSNotifier(nc, log)
	n.close = nc.Close
	return n, nil
}

// NewNATSNotifier оборачивает готовое соединение
func NewNATSNotifier(conn publisher, log *slog.Logger) *NATSNotifier {
	return &NATSNotifier{
		conn: conn,
		log:  log.With("component", "nats_notifier"),
	}
}

func (n *NATSNotifier) EntitiesChanged(ctx context.Context, userID string, entityIDs []string) error {
	return n.publish(subjectChanges+userID, ChangesEvent{
		UserID:    userID,
		EntityIDs: entityIDs,
		At:        time.Now().UTC(),
	})
}

func (n *NATSNotifier) ForceSync(ctx context.Context, userID, deviceID string) error {
	return n.publish(subjectForce+deviceID, ForceEvent{
		UserID:   userID,
		DeviceID: deviceID,
		At:       time.Now().UTC(),
	})
}

func (n *NATSNotifier) Close() {
	if n.close != nil {
		n.close()
	}
}

func (n *NATSNotifier) publish(subject string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	n.log.Debug("Event published", "subject", subject)
	return nil
}
