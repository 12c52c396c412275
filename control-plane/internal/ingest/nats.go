package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures a NATS subscription.
type NATSConfig struct {
	URL string
	// Subject is e.g. beatmon.beat.>; the token after the last dot names the device.
	Subject string
	// Queue joins a queue group so several consumers share the subject.
	Queue string
	// ReconnectWait between reconnect attempts. Zero uses the nats default.
	ReconnectWait time.Duration
}

// NATSSource subscribes to beat subjects on a NATS server. Requests (messages
// with a reply subject) are answered with the device's beat count.
type NATSSource struct {
	config  NATSConfig
	handler *Handler
	logger  *slog.Logger
	ready   chan struct{}
}

// NewNATSSource creates a new NATS source.
func NewNATSSource(cfg NATSConfig, h *Handler, logger *slog.Logger) *NATSSource {
	return &NATSSource{
		config:  cfg,
		handler: h,
		logger:  logger.With("component", "nats_source", "subject", cfg.Subject),
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the subscription is active.
func (s *NATSSource) Ready() <-chan struct{} {
	return s.ready
}

// Run connects and consumes until ctx is cancelled.
func (s *NATSSource) Run(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name("beatmon-control-plane"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if s.config.ReconnectWait > 0 {
		opts = append(opts, nats.ReconnectWait(s.config.ReconnectWait))
	}

	nc, err := nats.Connect(s.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}

	var sub *nats.Subscription
	if s.config.Queue != "" {
		sub, err = nc.QueueSubscribe(s.config.Subject, s.config.Queue, s.onMessage)
	} else {
		sub, err = nc.Subscribe(s.config.Subject, s.onMessage)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("subscribing to %s: %w", s.config.Subject, err)
	}
	if err := nc.Flush(); err != nil {
		nc.Close()
		return fmt.Errorf("flushing subscription: %w", err)
	}

	s.logger.Info("NATS source started", "url", nc.ConnectedUrl(), "queue", s.config.Queue)
	close(s.ready)

	<-ctx.Done()
	s.logger.Info("NATS source stopping")
	if err := sub.Drain(); err != nil {
		s.logger.Warn("NATS drain failed", "error", err)
	}
	nc.Close()
	return nil
}

func (s *NATSSource) onMessage(msg *nats.Msg) {
	device := s.deviceFromSubject(msg.Subject)
	res, err := s.handler.Handle("nats", device, msg.Data)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrMalformed) {
			level = slog.LevelWarn
		}
		s.logger.Log(context.Background(), level, "failed to handle NATS beat",
			"nats_subject", msg.Subject,
			"error", err,
		)
		if msg.Reply != "" {
			respondError(msg, err)
		}
		return
	}

	if msg.Reply != "" {
		reply := nats.NewMsg(msg.Reply)
		reply.Header.Set("Beat-Accepted", strconv.FormatBool(res.Accepted))
		reply.Data = []byte(strconv.FormatUint(res.Device.TotalBeats, 10))
		if err := msg.RespondMsg(reply); err != nil {
			s.logger.Warn("NATS respond failed", "error", err)
		}
	}
}

// deviceFromSubject returns the device token of subject.
func (s *NATSSource) deviceFromSubject(subject string) string {
	prefix := strings.TrimSuffix(strings.TrimSuffix(s.config.Subject, ">"), "*")
	if prefix != s.config.Subject && strings.HasPrefix(subject, prefix) {
		return strings.TrimPrefix(subject, prefix)
	}
	return lastSegment(subject, ".")
}

func respondError(msg *nats.Msg, err error) {
	reply := nats.NewMsg(msg.Reply)
	reply.Header.Set("Error", err.Error())
	_ = msg.RespondMsg(reply)
}
