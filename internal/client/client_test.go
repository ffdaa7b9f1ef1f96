package client

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoeba/gromnie/internal/eventbus"
	"github.com/amoeba/gromnie/internal/session"
)

// fakeSender satisfies session.Sender without a real socket, mirroring
// internal/session's own test helper.
type fakeSender struct{}

func (fakeSender) SendTo(b []byte, toWorld bool) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestUDPSender_RoutesLoginAndWorldToDistinctPorts(t *testing.T) {
	loginLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer loginLn.Close()
	worldLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer worldLn.Close()

	loginPort := loginLn.LocalAddr().(*net.UDPAddr).Port
	worldPort := worldLn.LocalAddr().(*net.UDPAddr).Port

	sender, err := dialUDP("127.0.0.1", loginPort, worldPort)
	require.NoError(t, err)
	defer sender.Close()

	require.NoError(t, sender.SendTo([]byte("to-login"), false))
	require.NoError(t, sender.SendTo([]byte("to-world"), true))

	buf := make([]byte, 64)
	loginLn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := loginLn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "to-login", string(buf[:n]))

	worldLn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err = worldLn.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "to-world", string(buf[:n]))
}

func TestClient_UpdateStateReflectsSession(t *testing.T) {
	sess := session.New(discardLogger(), fakeSender{}, "acct", "pw", session.DefaultReconnectPolicy())
	c := &Client{log: discardLogger(), sess: sess}

	c.updateState()
	st := c.ClientState()

	assert.Equal(t, sess.State(), st.SessionState)
	assert.Equal(t, sess.Scene.Kind, st.Scene.Kind)
}

func TestConsumeLoop_DispatchesEnvelopesAndStopsOnCancel(t *testing.T) {
	bus := eventbus.New()
	r := bus.Subscribe(4)

	var received []any
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_ = consumeLoop(ctx, r, func(env eventbus.Envelope) {
			received = append(received, env.Event)
		})
		close(done)
	}()

	bus.Publish(eventbus.Envelope{Event: "one"})
	bus.Publish(eventbus.Envelope{Event: "two"})

	require.Eventually(t, func() bool { return len(received) == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumeLoop did not exit after cancel")
	}
}

func TestReadLoop_ForwardsDatagramsAndStopsOnCancel(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer ln.Close()

	conn, err := net.DialUDP("udp", nil, ln.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	c := &Client{log: discardLogger()}
	out := make(chan []byte, 4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_ = c.readLoop(ctx, conn, out)
		close(done)
	}()

	_, err = ln.WriteToUDP([]byte("hello"), conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	select {
	case data := <-out:
		assert.Equal(t, "hello", string(data))
	case <-time.After(time.Second):
		t.Fatal("readLoop did not forward datagram")
	}

	cancel()
	conn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("readLoop did not exit after cancel")
	}
}
