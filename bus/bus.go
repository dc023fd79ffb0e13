// Package bus wires the embedded-or-external NATS connection shared by
// the Evaluator Runtime and the TSE Dispatcher, and fixes the subject
// naming used across the pub/sub surface.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/tse/config"
)

// Bus holds the live NATS connection (and, when embedded, the in-process
// server backing it) plus a JetStream context, exposed through
// JetStream().
type Bus struct {
	conn           *nats.Conn
	js             jetstream.JetStream
	embeddedServer *server.Server
}

// Connect starts or dials NATS per cfg and returns a ready Bus, choosing
// an embedded in-process server or an external URL depending on cfg.
func Connect(cfg config.NATSConfig) (*Bus, error) {
	b := &Bus{}

	if cfg.URL != "" && !cfg.Embedded {
		conn, err := nats.Connect(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("bus: connect to NATS at %s: %w", cfg.URL, err)
		}
		b.conn = conn
	} else {
		opts := &server.Options{
			Port:      -1,
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("bus: create embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return nil, fmt.Errorf("bus: embedded NATS server failed to start")
		}
		b.embeddedServer = ns

		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return nil, fmt.Errorf("bus: connect to embedded NATS: %w", err)
		}
		b.conn = conn
	}

	js, err := jetstream.New(b.conn)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("bus: create jetstream context: %w", err)
	}
	b.js = js

	return b, nil
}

// Conn returns the underlying core NATS connection.
func (b *Bus) Conn() *nats.Conn { return b.conn }

// JetStream returns the JetStream context.
func (b *Bus) JetStream() jetstream.JetStream { return b.js }

// Close drains the connection and, if embedded, shuts down the
// in-process server.
func (b *Bus) Close(ctx ...context.Context) {
	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
	if b.embeddedServer != nil {
		b.embeddedServer.Shutdown()
		b.embeddedServer.WaitForShutdown()
	}
}

// RequestSubject is the subject an Evaluator Runtime subscribes on for a
// given tool/function pair.
func RequestSubject(tool, function string) string {
	return fmt.Sprintf("evaluators/%s/%s", tool, function)
}

// ResultsSubject is a tool's canonical results topic for a function.
func ResultsSubject(tool, function string) string {
	return fmt.Sprintf("evaluators/%s/results/%s", tool, function)
}

// RunChannel is the run-private result channel for one (workflow, arch)
// pair that the Dispatcher subscribes to.
func RunChannel(workflowID, archID string) string {
	return fmt.Sprintf("%s/%s", workflowID, archID)
}
