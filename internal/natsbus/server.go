// Package natsbus embeds the NATS server that carries deliberation and
// health events between the pipeline, the websocket hub and the CLI.
package natsbus

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// Bus is the in-process NATS server. It only listens on loopback: events
// reach browsers through the web hub, never directly.
type Bus struct {
	server *natsserver.Server
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	ns, err := natsserver.NewServer(serverOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("nats server not ready")
	}
	return &Bus{server: ns}, nil
}

func serverOptions(cfg config.NATSConfig) *natsserver.Options {
	return &natsserver.Options{
		ServerName: "synedrio",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   cfg.DataDir,
	}
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// NumClients reports connected clients for /api/status.
func (b *Bus) NumClients() int {
	return b.server.NumClients()
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
