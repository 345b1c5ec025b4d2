package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/richinsley/comfy2go-worker/internal/errkind"
)

const (
	DefaultProbeAttempts     = 180
	DefaultProbeInterval     = time.Second
	DefaultProbeTimeout      = 5 * time.Second
	DefaultHandshakeAttempts = 60
	DefaultHandshakeInterval = 5 * time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Establisher brings up a streaming connection to a server that may still be
// starting. It first polls the HTTP endpoint until it answers, then retries the
// websocket handshake. A phase with N failures before success makes N+1
// attempts and sleeps N times.
type Establisher struct {
	Client            *ComfyClient
	ProbeAttempts     int
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	HandshakeAttempts int
	HandshakeInterval time.Duration
	Sleep             SleepFunc
	Logger            *slog.Logger
}

// NewEstablisher returns an Establisher with the default retry budget.
func NewEstablisher(c *ComfyClient) *Establisher {
	return &Establisher{
		Client:            c,
		ProbeAttempts:     DefaultProbeAttempts,
		ProbeInterval:     DefaultProbeInterval,
		ProbeTimeout:      DefaultProbeTimeout,
		HandshakeAttempts: DefaultHandshakeAttempts,
		HandshakeInterval: DefaultHandshakeInterval,
	}
}

// Establish waits for the server and opens a websocket bound to clientID.
func (e *Establisher) Establish(ctx context.Context, clientID string) (*WebSocketConnection, error) {
	if _, err := e.WaitReachable(ctx); err != nil {
		return nil, err
	}
	conn, _, err := e.Handshake(ctx, clientID)
	return conn, err
}

// WaitReachable polls Ping until it succeeds and returns the number of attempts made.
func (e *Establisher) WaitReachable(ctx context.Context) (int, error) {
	const op = "establish.probe"
	log := e.logger()

	attempts := max(e.ProbeAttempts, 1)
	for i := 1; i <= attempts; i++ {
		err := e.probe(ctx)
		if err == nil {
			log.Info("ComfyUI server reachable", "address", e.Client.ServerBaseAddress(), "attempts", i)
			return i, nil
		}
		if ctx.Err() != nil {
			return i, errkind.Wrap(ctx.Err(), errkind.KindConnection, op, "server unreachable")
		}
		if i == attempts {
			log.Error("ComfyUI server unreachable", "address", e.Client.ServerBaseAddress(), "attempts", i, "error", err)
			return i, errkind.Wrap(err, errkind.KindConnection, op,
				fmt.Sprintf("server unreachable after %d attempts", attempts))
		}
		log.Warn("ComfyUI server not reachable yet", "attempt", i, "max", attempts, "error", err)
		if serr := e.sleep(ctx, e.ProbeInterval); serr != nil {
			return i, errkind.Wrap(serr, errkind.KindConnection, op, "server unreachable")
		}
	}
	return attempts, errkind.New(errkind.KindConnection, op, "server unreachable")
}

// Handshake retries DialWebSocket and returns the open connection and the number
// of attempts made.
func (e *Establisher) Handshake(ctx context.Context, clientID string) (*WebSocketConnection, int, error) {
	const op = "establish.handshake"
	log := e.logger()

	attempts := max(e.HandshakeAttempts, 1)
	for i := 1; i <= attempts; i++ {
		conn, err := e.Client.DialWebSocket(ctx, clientID)
		if err == nil {
			log.Info("Websocket connected", "client_id", clientID, "attempts", i)
			return conn, i, nil
		}
		if ctx.Err() != nil {
			return nil, i, errkind.Wrap(ctx.Err(), errkind.KindConnection, op, "streaming handshake timeout")
		}
		if i == attempts {
			log.Error("Websocket handshake failed", "client_id", clientID, "attempts", i, "error", err)
			return nil, i, errkind.Wrap(err, errkind.KindConnection, op,
				fmt.Sprintf("streaming handshake timeout after %d attempts", attempts))
		}
		log.Warn("Websocket handshake failed, retrying", "attempt", i, "max", attempts, "error", err)
		if serr := e.sleep(ctx, e.HandshakeInterval); serr != nil {
			return nil, i, errkind.Wrap(serr, errkind.KindConnection, op, "streaming handshake timeout")
		}
	}
	return nil, attempts, errkind.New(errkind.KindConnection, op, "streaming handshake timeout")
}

func (e *Establisher) probe(ctx context.Context) error {
	if e.ProbeTimeout <= 0 {
		return e.Client.Ping(ctx)
	}
	pctx, cancel := context.WithTimeout(ctx, e.ProbeTimeout)
	defer cancel()
	return e.Client.Ping(pctx)
}

func (e *Establisher) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

func (e *Establisher) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// SleepContext waits for d, returning early with ctx's error if it is done first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
