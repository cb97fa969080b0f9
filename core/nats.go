package core

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// NatsBroker wraps an embedded NATS server plus a client connection. It is
// the process-wide bus for lifecycle events and consensus traffic.
type NatsBroker struct {
	server *server.Server
	conn   *nats.Conn
}

// NatsBrokerInstance is the process-wide broker, set by SetupNatsBroker.
var NatsBrokerInstance *NatsBroker

// SetupNatsBroker starts an in-process NATS server on the given port and
// connects to it. Pass port 0 to pick a random free port.
func SetupNatsBroker(port int) error {
	if port == 0 {
		port = server.RANDOM_PORT
	}
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		return fmt.Errorf("NATS server did not become ready")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	NatsBrokerInstance = &NatsBroker{server: ns, conn: conn}
	log.Printf("Embedded NATS broker ready at %s", ns.ClientURL())
	return nil
}

// ConnectNatsBroker joins an already-running broker instead of embedding one.
func ConnectNatsBroker(url string) error {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	NatsBrokerInstance = &NatsBroker{conn: conn}
	return nil
}

// Publish sends data on a subject, fire-and-forget.
func (b *NatsBroker) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

// Subscribe registers a handler for a subject.
func (b *NatsBroker) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, handler)
}

// Conn exposes the underlying connection for components that manage their
// own subscriptions.
func (b *NatsBroker) Conn() *nats.Conn {
	return b.conn
}

// Close drains the connection and shuts the embedded server down if one was
// started.
func (b *NatsBroker) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
}
