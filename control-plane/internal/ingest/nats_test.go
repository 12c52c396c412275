package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Port: -1})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSSourceRecordsBeats(t *testing.T) {
	ns := startNATS(t)
	h, reg, _ := newHandler(t)
	src := NewNATSSource(NATSConfig{URL: ns.ClientURL(), Subject: "beatmon.beat.>", Queue: "beatmon"}, h, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	select {
	case <-src.Ready():
	case err := <-done:
		t.Fatalf("source exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("source not ready")
	}

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	// Requests are answered with the beat count.
	reply, err := nc.Request("beatmon.beat.sensor-1", []byte(`{"timestamp":1000}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", string(reply.Data))
	assert.Equal(t, "true", reply.Header.Get("Beat-Accepted"))

	reply, err = nc.Request("beatmon.beat.sensor-1", []byte(`{"timestamp":500}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "1", string(reply.Data))
	assert.Equal(t, "false", reply.Header.Get("Beat-Accepted"))

	reply, err = nc.Request("beatmon.beat.sensor-1", []byte(`nope`), time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Header.Get("Error"))

	// Plain publishes work too; dotted device names keep their dots.
	require.NoError(t, nc.Publish("beatmon.beat.site.a.pump", nil))
	require.NoError(t, nc.Flush())
	require.Eventually(t, func() bool {
		_, err := reg.GetDevice("site.a.pump")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop")
	}
}

func TestNATSDeviceFromSubject(t *testing.T) {
	s := NewNATSSource(NATSConfig{Subject: "beatmon.beat.*"}, nil, testLogger())
	assert.Equal(t, "dev", s.deviceFromSubject("beatmon.beat.dev"))

	s = NewNATSSource(NATSConfig{Subject: "beats"}, nil, testLogger())
	assert.Equal(t, "beats", s.deviceFromSubject("beats"))
}

func TestNATSConnectError(t *testing.T) {
	h, _, _ := newHandler(t)
	src := NewNATSSource(NATSConfig{URL: "nats://127.0.0.1:1", Subject: "beatmon.beat.>"}, h, testLogger())
	assert.Error(t, src.Run(context.Background()))
}
