// Package feed mirrors ledger records onto a NATS JetStream stream so other
// services can follow results live.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/models"
)

type JetStreamConfig struct {
	URL             string
	StreamName      string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	MaxAge          time.Duration
	Replicas        int
	DuplicateWindow time.Duration
	PublishTimeout  time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "SLIP_RESULTS",
		SubjectPrefix:   "slips.results",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		MaxAge:          48 * time.Hour,
		Replicas:        1,
		DuplicateWindow: 10 * time.Minute,
		PublishTimeout:  2 * time.Second,
	}
}

// msgPublisher is the part of jetstream.JetStream used to publish.
type msgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Envelope is the JSON body of a published record.
type Envelope struct {
	RecordID  string    `json:"recordId"`
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Line      string    `json:"line"`
}

// natsConn is the part of *nats.Conn kept after setup.
type natsConn interface {
	IsConnected() bool
	Drain() error
}

type JetStreamPublisher struct {
	nc     natsConn
	pub    msgPublisher
	config JetStreamConfig
}

func NewJetStreamPublisher(ctx context.Context, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	opts := []nats.Option{
		nats.Name("slipserver"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	if err := ensureStream(ctx, js, cfg); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &JetStreamPublisher{nc: nc, pub: js, config: cfg}, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig) error {
	sc := jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Score slip results as appended to the ledger",
		Subjects:    []string{fmt.Sprintf("%s.>", cfg.SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  cfg.DuplicateWindow,
	}

	if _, err := js.CreateOrUpdateStream(ctx, sc); err != nil {
		return fmt.Errorf("create or update stream: %w", err)
	}
	log.Info().Str("stream", cfg.StreamName).Msg("JetStream stream ready")
	return nil
}

// Subject returns the subject a record is published on: <prefix>.<group>.<table>.
func (p *JetStreamPublisher) Subject(rec models.ResultRecord) string {
	return fmt.Sprintf("%s.%s", p.config.SubjectPrefix, rec.ClientID)
}

// RecordID derives a stable id from the ledger line, so a republished line is
// dropped by the stream's duplicate window.
func RecordID(rec models.ResultRecord) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(rec.Line()))
}

// Publish implements Publisher.
func (p *JetStreamPublisher) Publish(ctx context.Context, rec models.ResultRecord) error {
	id := RecordID(rec).String()
	data, err := json.Marshal(Envelope{
		RecordID:  id,
		ClientID:  rec.ClientID,
		Timestamp: rec.Timestamp,
		Message:   rec.Message,
		Line:      rec.Line(),
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if p.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.PublishTimeout)
		defer cancel()
	}

	subject := p.Subject(rec)
	ack, err := p.pub.PublishMsg(ctx, &nats.Msg{
		Subject: subject,
		Data:    data,
		Header: nats.Header{
			"Client-ID": []string{rec.ClientID},
			"Record-ID": []string{id},
		},
	},
		jetstream.WithMsgID(id),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", subject).
		Str("record_id", id).
		Uint64("sequence", ack.Sequence).
		Msg("published ledger record")
	return nil
}

// Connected reports whether the NATS connection is currently up.
func (p *JetStreamPublisher) Connected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close drains pending publishes and closes the connection.
func (p *JetStreamPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
