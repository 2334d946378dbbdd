package server

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cpinitiative/ide-lsp-modal/internal/bridge"
	"github.com/cpinitiative/ide-lsp-modal/internal/codec"
	"github.com/cpinitiative/ide-lsp-modal/internal/logx"
	"github.com/cpinitiative/ide-lsp-modal/internal/metrics"
	"github.com/cpinitiative/ide-lsp-modal/internal/proc"
	"github.com/cpinitiative/ide-lsp-modal/internal/serverstate"
)

// connState tracks where a connection is in its lifecycle.
type connState int

const (
	stateInit connState = iota
	stateHandshakeDrain
	stateBridging
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateHandshakeDrain:
		return "handshake_drain"
	case stateBridging:
		return "bridging"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// handleLSP upgrades the request to a websocket and bridges it to a freshly
// spawned language server process. One connection, one process.
func (s *Server) handleLSP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "backend")
	be, ok := s.cfg.Backends[name]
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	options := r.URL.Query().Get("options")
	if options != "" && !be.AcceptsOptions {
		http.Error(w, "backend does not accept options", http.StatusBadRequest)
		return
	}
	if serverstate.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	if !s.acquire(name) {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}
	defer s.release(name)

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		return
	}
	defer func() {
		_ = c.Close(websocket.StatusInternalError, "server error")
	}()

	connID := uuid.NewString()
	log := logx.Log.With().Str("conn", connID).Str("backend", name).Logger()
	state := stateInit
	transition := func(next connState) {
		log.Debug().Stringer("from", state).Stringer("to", next).Msg("connection state")
		state = next
	}

	serverstate.ConnectionStarted()
	defer serverstate.ConnectionEnded()
	metrics.ConnectionOpened(name)
	start := time.Now()

	var scratch *proc.ScratchConfig
	args := append([]string(nil), be.Args...)
	if options != "" {
		scratch, err = proc.WriteScratch(be.ScratchFile, options)
		if err != nil {
			log.Error().Err(err).Msg("write scratch config")
			metrics.RecordSpawnFailure(name)
			metrics.ConnectionClosed(name, "spawn-failure", time.Since(start))
			_ = c.Close(websocket.StatusInternalError, "backend failed to start")
			return
		}
		if be.ScratchDirFlag != "" {
			args = append(args, be.ScratchDirFlag+"="+scratch.Dir())
		}
	}

	// Spawn takes ownership of the scratch directory, including cleanup on
	// failure, so there is no scratch.Remove on the paths below.
	h, err := proc.Spawn(proc.Command{Path: be.Command, Args: args}, scratch, log)
	if err != nil {
		log.Error().Err(err).Msg("spawn backend")
		metrics.RecordSpawnFailure(name)
		metrics.ConnectionClosed(name, "spawn-failure", time.Since(start))
		_ = c.Close(websocket.StatusInternalError, "backend failed to start")
		return
	}
	log.Info().Int("pid", h.PID()).Msg("backend started")

	frames := codec.NewReader(h.Stdout())
	sink := codec.NewWriter(h.Stdin())

	transition(stateHandshakeDrain)
	for i := 0; i < be.DrainFrames; i++ {
		msg, err := frames.ReadFrame()
		if err != nil {
			log.Error().Err(err).Int("frame", i).Msg("handshake drain")
			h.Shutdown(s.cfg.ShutdownGrace.Std())
			metrics.ConnectionClosed(name, "handshake-failure", time.Since(start))
			_ = c.Close(websocket.StatusInternalError, "backend failed to start")
			transition(stateClosed)
			return
		}
		log.Debug().Int("frame", i).Int("bytes", len(msg)).Msg("discarded startup frame")
	}

	transition(stateBridging)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.preempt:
			cancel()
		case <-ctx.Done():
		}
	}()

	br := bridge.New(wsChannel{conn: c}, frames, sink,
		func() { h.Shutdown(s.cfg.ShutdownGrace.Std()) },
		connRecorder{backend: name, start: start}, log,
		bridge.Config{
			IdleTimeout:    s.cfg.IdleTimeout.Std(),
			SessionTimeout: s.cfg.SessionTimeout.Std(),
			StatsInterval:  s.cfg.StatsInterval.Std(),
		})
	if err := br.Run(ctx); err != nil {
		log.Error().Err(err).Msg("bridge terminated")
	}
	transition(stateClosing)
	<-h.Done()
	transition(stateClosed)
}

// wsChannel adapts a websocket connection to the bridge's client channel.
type wsChannel struct {
	conn *websocket.Conn
}

func (c wsChannel) ReadText(ctx context.Context) (string, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c wsChannel) WriteText(ctx context.Context, text string) error {
	return c.conn.Write(ctx, websocket.MessageText, []byte(text))
}

func (c wsChannel) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

// connRecorder feeds bridge events into the prometheus counters.
type connRecorder struct {
	backend string
	start   time.Time
}

func (r connRecorder) ClientMessage()  { metrics.RecordClientMessage(r.backend) }
func (r connRecorder) ProcessMessage() { metrics.RecordProcessMessage(r.backend) }
func (r connRecorder) Closed(reason string) {
	metrics.ConnectionClosed(r.backend, reason, time.Since(r.start))
}
