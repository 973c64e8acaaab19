package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"chanpost/pkg/logx"
)

const defaultSubject = "chanpost.events"

// NATSPublisher publishes each event on <subject>.<event type>.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func ConnectNATS(url, subject string, log logx.Logger) (*NATSPublisher, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	nc, err := nats.Connect(url,
		nats.Name("chanpost"),
		nats.Timeout(5*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{nc: nc, subject: subjectPrefix(subject)}, nil
}

func subjectPrefix(s string) string {
	s = strings.Trim(strings.TrimSpace(s), ".")
	if s == "" {
		return defaultSubject
	}
	return s
}

func (p *NATSPublisher) Publish(ctx context.Context, eventType string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc == nil || p.nc.IsClosed() {
		return errors.New("events: nats connection closed")
	}
	return p.nc.Publish(p.subject+"."+eventType, body)
}

func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	err := p.nc.Drain()
	if err != nil {
		p.nc.Close()
	}
	return err
}
