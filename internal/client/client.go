// Package client orchestrates one session end to end: the client
// loop owns the socket, session, and scene; an enrichment task bridges raw
// session events onto the bus; the plugin host and a built-in logging
// consumer each run as independent bus subscribers. Structured concurrency
// is golang.org/x/sync/errgroup, the same dependency the teacher's
// cmd/gameserver/main.go uses to fan its servers out and cancel the group
// on the first failure.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amoeba/gromnie/internal/eventbus"
	"github.com/amoeba/gromnie/internal/pluginhost"
	"github.com/amoeba/gromnie/internal/session"
)

// tickRate is the client loop's fixed simulation rate, ~60 Hz.
const tickRate = 16 * time.Millisecond

// incomingBacklog bounds how many unprocessed datagrams the two socket
// readers may queue before the client loop falls behind; UDP tolerates
// drops so a full channel just blocks the reader briefly rather than
// growing without bound.
const incomingBacklog = 256

// Options configures a Client. PluginsEnabled false leaves the plugin host
// out entirely; with it true and Plugins.ScriptDir empty, the host still
// runs but loads no plugins.
type Options struct {
	ServerHost string
	LoginPort  int
	WorldPort  int

	Account  string
	Password string

	Reconnect      session.ReconnectPolicy
	PluginsEnabled bool
	Plugins        pluginhost.Options
}

// Client owns one session end to end: the dialed sockets, the protocol
// session/scene (C3/C4), the event bus (C5), and, if enabled, the plugin
// host (C6).
type Client struct {
	log    *slog.Logger
	sender *udpSender
	sess   *session.Session
	bus    *eventbus.Bus

	actions chan session.Action

	stateMu sync.RWMutex
	state   pluginhost.ClientState

	pluginHost *pluginhost.Host
}

// New dials both sockets and constructs the session and bus; it does not
// send anything or start any task (see Run).
func New(ctx context.Context, log *slog.Logger, opts Options) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	sender, err := dialUDP(opts.ServerHost, opts.LoginPort, opts.WorldPort)
	if err != nil {
		return nil, err
	}

	sess := session.New(log, sender, opts.Account, opts.Password, opts.Reconnect)

	c := &Client{
		log:     log,
		sender:  sender,
		sess:    sess,
		bus:     eventbus.New(),
		actions: make(chan session.Action, 64),
	}
	c.updateState()

	if opts.PluginsEnabled {
		host, err := pluginhost.NewHost(ctx, log, c.actions, c, opts.Plugins)
		if err != nil {
			sender.Close()
			return nil, fmt.Errorf("client: starting plugin host: %w", err)
		}
		host.LoadAll(ctx)
		c.pluginHost = host
	}

	return c, nil
}

// ClientState implements pluginhost.ClientStateProvider with a brief
// read lock, matching the teacher's "consumers that expose state across
// async tasks take brief read/write locks" discipline — this is called from
// the plugin host's goroutine while the client loop is the sole writer.
func (c *Client) ClientState() pluginhost.ClientState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) updateState() {
	c.stateMu.Lock()
	c.state = pluginhost.ClientState{SessionState: c.sess.State(), Scene: c.sess.Scene}
	c.stateMu.Unlock()
}

// Run starts every task the client needs and blocks until ctx is cancelled
// or one of them fails, at which point the errgroup cancels the rest.
func (c *Client) Run(ctx context.Context) error {
	// The initial login goes out before any task starts so that clientLoop
	// stays the only goroutine touching the session once it is running.
	if err := c.sess.DoLogin(time.Now()); err != nil {
		return fmt.Errorf("client: sending initial login request: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	incoming := make(chan []byte, incomingBacklog)
	g.Go(func() error { return c.readLoop(gctx, c.sender.login, incoming) })
	g.Go(func() error { return c.readLoop(gctx, c.sender.world, incoming) })

	g.Go(func() error {
		<-gctx.Done()
		c.sender.Close()
		return nil
	})

	g.Go(func() error { return c.clientLoop(gctx, incoming) })
	g.Go(func() error { return c.enrichmentLoop(gctx) })

	logger := c.bus.Subscribe(eventbus.DefaultCapacity)
	g.Go(func() error { return consumeLoop(gctx, logger, c.logEvent) })

	if c.pluginHost != nil {
		pluginReceiver := c.bus.Subscribe(eventbus.DefaultCapacity)
		g.Go(func() error { return c.pluginHost.Run(gctx, pluginReceiver) })
	}

	err := g.Wait()
	if c.pluginHost != nil {
		if cerr := c.pluginHost.Close(context.Background()); cerr != nil {
			c.log.Error("closing plugin host", "err", cerr)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Actions exposes the channel any consumer or plugin submits actions on;
// many writers feed it, the client loop is its sole reader.
func (c *Client) Actions() chan<- session.Action { return c.actions }

// RequestPluginRescan asks the plugin host to rescan its script directory
// immediately by publishing pluginhost.RescanRequested onto the bus. A
// no-op if no plugin host is running.
func (c *Client) RequestPluginRescan() {
	if c.pluginHost == nil {
		return
	}
	c.bus.Publish(eventbus.Envelope{Event: pluginhost.RescanRequested{}, Timestamp: time.Now(), Source: eventbus.SourceSystem})
}

// readLoop is one of the two socket-reader tasks bridging blocking
// net.UDPConn.Read calls onto a channel the client loop can select on,
// the same bridge shape internal/pluginhost.Host.Run uses for its bus
// receiver.
func (c *Client) readLoop(ctx context.Context, conn udpReader, out chan<- []byte) error {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Debug("socket read error", "err", err)
			return nil
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case out <- cp:
		case <-ctx.Done():
			return nil
		}
	}
}

// clientLoop is the sole writer of session/scene state, selecting over
// datagram arrival, submitted actions, the tick timer, and shutdown.
func (c *Client) clientLoop(ctx context.Context, incoming <-chan []byte) error {
	ticker := time.NewTicker(tickRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case data := <-incoming:
			c.sess.ProcessDatagram(data, time.Now())
			c.updateState()

		case a := <-c.actions:
			if err := c.sess.SubmitAction(a, time.Now()); err != nil {
				c.log.Error("submitting action", "err", err)
			}
			c.updateState()

		case now := <-ticker.C:
			c.sess.Tick(now)
			c.updateState()
		}
	}
}

// enrichmentLoop drains the session's raw per-client event channel and
// publishes enriched envelopes to the bus.
func (c *Client) enrichmentLoop(ctx context.Context) error {
	enricher := eventbus.NewEnricher(0, c.bus)
	events := c.sess.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			enricher.Publish(ev, time.Now())
		}
	}
}

// logEvent is the built-in logging consumer, a concrete example of the
// "one task per consumer" shape alongside whatever other consumers a
// caller subscribes to the bus.
func (c *Client) logEvent(env eventbus.Envelope) {
	c.log.Info("event", "kind", fmt.Sprintf("%T", env.Event), "client_id", env.Context.ClientID, "seq", env.Context.PerClientSequence)
}

// consumeLoop is the generic "one task per consumer" shape: each consumer
// owns its own receiver and calls its handler synchronously for every
// envelope until unsubscribed or cancelled.
func consumeLoop(ctx context.Context, r *eventbus.Receiver, handle func(eventbus.Envelope)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.Unsubscribe()
		case <-done:
		}
	}()
	defer close(done)

	for {
		v, ok := r.Recv()
		if !ok {
			return nil
		}
		switch e := v.(type) {
		case eventbus.Envelope:
			handle(e)
		case eventbus.Lagged:
		}
	}
}

// udpReader is the subset of *net.UDPConn readLoop needs, small enough to
// fake in a test without a real socket.
type udpReader interface {
	Read(b []byte) (int, error)
}
