package bus

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/micbridge/micbridge/internal/config"
)

// SubjectTokenAcceptedPrefix is the subject family for accepted-token
// events; the key channel is appended (token.accepted.code,
// token.accepted.uid).
const SubjectTokenAcceptedPrefix = "token.accepted"

// TokenEvent mirrors an accepted token for non-polling consumers. The
// polling relay is unaffected by whether anyone subscribes.
type TokenEvent struct {
	RelayKey  string    `json:"relay_key"`
	Channel   string    `json:"channel"`
	Token     string    `json:"token"`
	Source    string    `json:"source"` // audio or literal
	Timestamp time.Time `json:"timestamp"`
}

// Client wraps the NATS connection used for the token event mirror.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("micbridge"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{conn: conn, log: log}, nil
}

// PublishTokenAccepted broadcasts an accepted token on the channel-scoped
// subject. Publish failures are the caller's to log; they never affect the
// relay queue itself.
func (c *Client) PublishTokenAccepted(evt TokenEvent) error {
	if c == nil || c.conn == nil {
		return nil
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal token event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", SubjectTokenAcceptedPrefix, evt.Channel)
	return c.conn.Publish(subject, data)
}

func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
