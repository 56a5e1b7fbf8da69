// Package natstest starts an embedded, JetStream-enabled NATS server for
// exercising the nats.go-backed packages (metadata, subscriber, router,
// transport) against a real server instead of fakes.
package natstest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/kvfleet/kvrouter/internal/natsutil"
)

// StartServer starts an in-process NATS server with JetStream enabled on
// an ephemeral port, storing state under the test's temp dir, and
// registers a cleanup hook to shut it down.
func StartServer(t *testing.T) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("natstest: creating embedded server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("natstest: embedded server never became ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

// Connect opens a natsutil.Conn to srv and registers a cleanup hook to
// close it.
func Connect(t *testing.T, srv *server.Server) *natsutil.Conn {
	t.Helper()
	conn, err := natsutil.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("natstest: connecting: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}
