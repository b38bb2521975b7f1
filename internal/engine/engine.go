// Package engine wires the tailer, normalizer, registry, overlay,
// broadcaster and archive into one runnable unit. All dependencies are
// constructed in New and injected downward; nothing here is a package
// global, so tests can run several engines side by side.
package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"sessionsync/internal/broadcast"
	"sessionsync/internal/config"
	"sessionsync/internal/event"
	"sessionsync/internal/executor"
	"sessionsync/internal/history"
	"sessionsync/internal/normalize"
	"sessionsync/internal/overlay"
	"sessionsync/internal/registry"
	"sessionsync/internal/tailer"
)

// overlaySaveInterval paces lazy overlay persistence.
const overlaySaveInterval = 5 * time.Second

// pruneInterval paces history retention enforcement.
const pruneInterval = 6 * time.Hour

// Engine owns the full ingestion pipeline plus the HTTP surface.
type Engine struct {
	cfg     *config.Config
	tailer  *tailer.Tailer
	reg     *registry.Registry
	ov      *overlay.Store
	hub     *broadcast.Hub
	archive *history.Archive
	mgr     *executor.Manager

	server   *http.Server
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	hkDone chan struct{}
	log    *logrus.Entry
}

// New constructs an engine from configuration. Failure to set up the
// persistent stores (overlay file, archive database) is fatal here;
// everything downstream degrades at runtime instead of failing
// startup.
func New(cfg *config.Config, backend executor.Backend) (*Engine, error) {
	ov, err := overlay.NewStore(cfg.OverlayPath)
	if err != nil {
		return nil, fmt.Errorf("open overlay store: %w", err)
	}

	archive, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return nil, fmt.Errorf("open event archive: %w", err)
	}

	hub := broadcast.NewHub(cfg.DedupCap)
	reg := registry.New(func(change registry.StatusChange) {
		hub.Publish(broadcast.StatusEnvelope(change))
	})

	roots := make([]tailer.Root, 0, len(cfg.LogRoots))
	for _, r := range cfg.LogRoots {
		roots = append(roots, tailer.Root{
			Path:      r.Path,
			AgentKind: r.AgentKind,
			Layout:    tailer.Layout(r.Layout),
		})
	}
	tl, err := tailer.New(tailer.Config{
		Roots:         roots,
		PollInterval:  cfg.PollInterval.Std(),
		RetentionDays: cfg.RetentionDays,
	})
	if err != nil {
		archive.Close()
		return nil, fmt.Errorf("create tailer: %w", err)
	}

	mgr := executor.NewManager(backend, reg, ov, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		tailer:  tl,
		reg:     reg,
		ov:      ov,
		hub:     hub,
		archive: archive,
		mgr:     mgr,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		hkDone:  make(chan struct{}),
		log:     logrus.WithField("component", "engine"),
	}
	e.server = &http.Server{Handler: e.routes()}
	return e, nil
}

// Start binds the listener, starts the tailer and launches the intake
// and housekeeping loops. Only a failed bind is returned as an error.
func (e *Engine) Start() error {
	ln, err := net.Listen("tcp", e.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", e.cfg.ListenAddr, err)
	}
	e.listener = ln
	e.log.WithField("addr", ln.Addr().String()).Info("listening")

	e.tailer.Start()
	go e.intakeLoop()
	go e.housekeepingLoop()
	go func() {
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			e.log.WithError(err).Error("http server stopped")
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when the configured
// port was 0.
func (e *Engine) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Stop shuts the pipeline down in dependency order: stop producing,
// drain the intake loop, then flush and close the stores.
func (e *Engine) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.server.Shutdown(shutdownCtx)

	e.tailer.Stop()
	<-e.done
	e.cancel()
	<-e.hkDone

	e.hub.Close()
	if err := e.ov.Flush(); err != nil {
		e.log.WithError(err).Warn("final overlay flush failed")
	}
	e.archive.Close()
	e.log.Info("stopped")
}

// =============================================================================
// INTAKE
// =============================================================================

// intakeLoop is the single consumer of tailer emissions. Running the
// whole normalize/apply/publish chain on one goroutine keeps per-file
// ordering without any further locking.
func (e *Engine) intakeLoop() {
	defer close(e.done)
	for te := range e.tailer.Events() {
		switch te.Type {
		case tailer.EventNewFile:
			e.handleNewFile(te)
		case tailer.EventRecord:
			e.handleRecord(te)
		}
	}
}

func (e *Engine) handleNewFile(te tailer.Event) {
	sess := e.reg.FindOrCreate(te.ExternalID, te.AgentKind, te.CWD)
	e.hub.Publish(broadcast.SessionEnvelope(sess))
}

func (e *Engine) handleRecord(te tailer.Event) {
	ev := normalize.Normalize(te.Line, normalize.Context{
		ExternalID: te.ExternalID,
		AgentKind:  te.AgentKind,
		CWD:        te.CWD,
	})
	if ev == nil {
		return
	}
	e.reg.Apply(ev)
	if e.hub.Publish(broadcast.EventEnvelope(ev)) {
		if err := e.archive.Store(ev); err != nil {
			e.log.WithError(err).WithField("id", ev.ID).Warn("archive store failed")
		}
	}
}

// =============================================================================
// HOUSEKEEPING
// =============================================================================

// housekeepingLoop persists dirty overlay state on a timer and
// enforces history retention. Stop joins it before tearing the stores
// down so no tick can touch the overlay or the archive afterwards.
func (e *Engine) housekeepingLoop() {
	defer close(e.hkDone)
	saveTicker := time.NewTicker(overlaySaveInterval)
	defer saveTicker.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	e.pruneHistory()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-saveTicker.C:
			if err := e.ov.SaveIfDirty(); err != nil {
				e.log.WithError(err).Warn("overlay save failed")
			}
		case <-pruneTicker.C:
			e.pruneHistory()
		}
	}
}

func (e *Engine) pruneHistory() {
	if e.cfg.HistoryRetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -e.cfg.HistoryRetentionDays).UnixMilli()
	if _, err := e.archive.Prune(cutoff); err != nil {
		e.log.WithError(err).Warn("history prune failed")
	}
}

// recentEvents is the replay query used by the HTTP layer.
func (e *Engine) recentEvents(sessionID string, limit int) ([]*event.Event, error) {
	if sessionID == "" {
		return e.archive.RecentAll(limit)
	}
	return e.archive.Recent(sessionID, limit)
}
