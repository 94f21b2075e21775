// Package natstransport feeds raw SIP messages into the call router
// from a NATS subject, grounded on the teacher's
// src/sharded/server.go connectNATS/handleNATSMessage pair. Unlike the
// teacher, this subscriber uses a plain core NATS subscription rather
// than JetStream: SIP signaling is latency-sensitive and at-least-once
// delivery is already handled inside the router itself (spec.md §9), so
// paying for durable redelivery here would be redundant.
package natstransport

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/nksip/callrouter/internal/callrouter"
	"github.com/nksip/callrouter/internal/sipmsg"
)

// Subscriber consumes raw SIP messages tagged by AppId off one NATS
// subject per app and ingests them into a Router.
type Subscriber struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	router  *callrouter.Router
	logger  zerolog.Logger
	subject string
	appID   string
}

// Connect dials NATS with the same reconnect posture as the teacher's
// connectNATS (indefinite retry, 2s backoff) and subscribes to subject.
// appID tags every message arriving on this subject, since a single
// subject here carries traffic for exactly one SIP application.
func Connect(url, subject, appID string, router *callrouter.Router, logger zerolog.Logger) (*Subscriber, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{
		conn:    conn,
		router:  router,
		logger:  logger.With().Str("component", "natstransport").Logger(),
		subject: subject,
		appID:   appID,
	}

	sub, err := conn.Subscribe(subject, s.handleMessage)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.sub = sub

	s.logger.Info().Str("subject", subject).Msg("subscribed to nats for sip ingest")
	return s, nil
}

// handleMessage runs on a NATS library goroutine; it must not block, so
// request ingest bounds itself with a short local timeout rather than
// the caller's context (there is no caller here).
func (s *Subscriber) handleMessage(msg *nats.Msg) {
	raw := sipmsg.New(s.appID, msg.Data)
	class, _, err := raw.Classify()
	if err != nil {
		s.logger.Warn().Err(err).Msg("dropping unparseable sip message from nats")
		return
	}

	switch class {
	case callrouter.ClassRequest:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.router.IngestSync(ctx, raw); err != nil {
			s.logger.Warn().Err(err).Msg("sip request ingest failed")
		}
	case callrouter.ClassResponse:
		s.router.IngestAsync(raw)
	}
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
