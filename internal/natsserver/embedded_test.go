package natsserver

import (
	"testing"
	"time"

	"github.com/loqalabs/sovits-gateway/internal/config"
	"github.com/loqalabs/sovits-gateway/internal/logging"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, logging.Discard())
	require.NoError(t, err)
	assert.Nil(t, srv)
	srv.Shutdown()
}

func TestStartAcceptsClients(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	assert.False(t, srv.ns.JetStreamEnabled())

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer conn.Close()

	sub, err := conn.SubscribeSync("ping")
	require.NoError(t, err)
	require.NoError(t, conn.Publish("ping", []byte("pong")))
	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg.Data))
}
