// Package bridge ferries messages between a client channel and a language
// server's stdio streams. It keeps exactly one pending read per side,
// forwards whichever completes first, and tears everything down on
// disconnect, process exit, idle timeout, or cancellation.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cpinitiative/ide-lsp-modal/internal/codec"
)

// Graceful close reasons surfaced to the client.
const (
	ReasonInactive       = "inactive-timeout"
	ReasonPreempted      = "server-preempted"
	ReasonSessionExpired = "session-timeout"
)

// ClientChannel is the message channel to the browser client. Payloads are
// raw UTF-8 text bodies; Content-Length framing never appears on this side.
type ClientChannel interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
	// Close closes the channel. An empty reason is a plain normal closure;
	// a non-empty reason explains a policy-driven close to the user.
	Close(reason string) error
}

// Recorder receives observability events from the bridge loop.
type Recorder interface {
	ClientMessage()
	ProcessMessage()
	Closed(reason string)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) ClientMessage()  {}
func (NopRecorder) ProcessMessage() {}
func (NopRecorder) Closed(string)   {}

// Config bounds the bridge loop. Zero values pick the defaults.
type Config struct {
	// IdleTimeout closes the connection after this long with no traffic on
	// either side.
	IdleTimeout time.Duration
	// SessionTimeout bounds the total lifetime of the connection.
	SessionTimeout time.Duration
	// StatsInterval is how often per-direction message counts are logged.
	StatsInterval time.Duration
}

const (
	defaultIdleTimeout    = 5 * time.Minute
	defaultSessionTimeout = 4 * time.Hour
	defaultStatsInterval  = time.Minute
)

func (c *Config) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = defaultStatsInterval
	}
}

// Bridge connects one client channel to one backend process.
type Bridge struct {
	client   ClientChannel
	frames   *codec.Reader
	sink     *codec.Writer
	shutdown func()
	rec      Recorder
	log      zerolog.Logger
	cfg      Config

	messagesIn  uint64 // backend -> client
	messagesOut uint64 // client -> backend
}

// New builds a bridge over the client channel and the backend's stdio
// codecs. shutdown is invoked exactly once on every exit path of Run and
// must terminate the backend (unblocking any pending frame read).
func New(client ClientChannel, frames *codec.Reader, sink *codec.Writer, shutdown func(), rec Recorder, log zerolog.Logger, cfg Config) *Bridge {
	if rec == nil {
		rec = NopRecorder{}
	}
	cfg.setDefaults()
	return &Bridge{client: client, frames: frames, sink: sink, shutdown: shutdown, rec: rec, log: log, cfg: cfg}
}

type readResult struct {
	text string
	err  error
}

// Run drives the bridge until one side terminates, the idle timeout fires,
// or ctx is cancelled. Client disconnect and backend exit are normal
// termination, not errors; only a backend protocol violation is returned.
// When Run returns, both pending reads have been released and the backend
// has been shut down.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, expire := context.WithTimeout(ctx, b.cfg.SessionTimeout)
	defer expire()
	ctx, cancel := context.WithCancel(ctx)

	clientCh := make(chan readResult)
	procCh := make(chan readResult)
	var wg sync.WaitGroup
	wg.Add(2)

	// One goroutine per direction, each holding exactly one pending read.
	// The unbuffered send re-arms the read only after the loop has consumed
	// the previous result.
	go func() {
		defer wg.Done()
		for {
			text, err := b.client.ReadText(ctx)
			select {
			case clientCh <- readResult{text, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for {
			text, err := b.frames.ReadFrame()
			select {
			case procCh <- readResult{text, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(b.cfg.IdleTimeout)
	defer idle.Stop()
	stats := time.NewTicker(b.cfg.StatsInterval)
	defer stats.Stop()

	var sinceIn, sinceOut uint64
	reason := ""

	defer func() {
		// Release order: pending reads cancelled, client closed, process
		// signaled and reaped. Nothing may outlive the connection.
		cancel()
		_ = b.client.Close(reason)
		b.shutdown()
		wg.Wait()
		b.rec.Closed(reason)
		b.log.Info().
			Uint64("messages_in", b.messagesIn).
			Uint64("messages_out", b.messagesOut).
			Str("reason", reason).
			Msg("bridge closed")
	}()

	touch := func() {
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(b.cfg.IdleTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				reason = ReasonSessionExpired
				b.log.Info().Dur("session_timeout", b.cfg.SessionTimeout).Msg("session timeout, closing connection")
			} else {
				reason = ReasonPreempted
				b.log.Info().Msg("bridge cancelled, closing connection")
			}
			return nil

		case <-idle.C:
			reason = ReasonInactive
			b.log.Info().Dur("idle_timeout", b.cfg.IdleTimeout).Msg("no activity, closing connection")
			return nil

		case res := <-clientCh:
			if res.err != nil {
				b.log.Debug().Err(res.err).Msg("client disconnected")
				return nil
			}
			if err := b.sink.WriteFrame(res.text); err != nil {
				// Stdin gone means the backend died under us; the process
				// side will be reaped by shutdown.
				b.log.Debug().Err(err).Msg("backend stdin closed")
				return nil
			}
			b.messagesOut++
			sinceOut++
			b.rec.ClientMessage()
			touch()

		case res := <-procCh:
			if res.err != nil {
				var pe *codec.ProtocolError
				if errors.As(res.err, &pe) {
					b.log.Error().Err(res.err).Msg("backend protocol violation")
					return res.err
				}
				b.log.Debug().Msg("backend exited")
				return nil
			}
			if err := b.client.WriteText(ctx, res.text); err != nil {
				b.log.Debug().Err(err).Msg("client write failed")
				return nil
			}
			b.messagesIn++
			sinceIn++
			b.rec.ProcessMessage()
			touch()

		case <-stats.C:
			b.log.Info().
				Uint64("from_backend", sinceIn).
				Uint64("from_client", sinceOut).
				Msg("bridge traffic")
			sinceIn, sinceOut = 0, 0
		}
	}
}

// MessagesIn returns the total number of frames forwarded from the backend
// to the client. Valid after Run returns.
func (b *Bridge) MessagesIn() uint64 { return b.messagesIn }

// MessagesOut returns the total number of client messages forwarded to the
// backend. Valid after Run returns.
func (b *Bridge) MessagesOut() uint64 { return b.messagesOut }
