// Package supervisor is MidRender's composition root: it wires every
// node-level component together and runs the fixed set of background
// loops a running node needs (registry liveness, UDP heartbeat send
// and receive, leader-only dispatch ticking, the render pump, report
// delivery, and the HTTP mesh listener) under one errgroup, so
// cancelling Run's context tears all of them down. Grounded on the
// teacher's internal/controller.Controller (background-goroutine set,
// ordered shutdown) and Tutu-Engine's internal/daemon.Daemon
// (composition root holding every service as a direct field), with
// the registry liveness loop's tick sequence lifted from the original
// implementation's PeerManager::threadFunc.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cbkow/mid-render/internal/agentipc"
	"github.com/cbkow/mid-render/internal/clock"
	"github.com/cbkow/mid-render/internal/config"
	"github.com/cbkow/mid-render/internal/dispatch"
	"github.com/cbkow/mid-render/internal/election"
	"github.com/cbkow/mid-render/internal/failuretracker"
	"github.com/cbkow/mid-render/internal/farmfs"
	"github.com/cbkow/mid-render/internal/logging"
	"github.com/cbkow/mid-render/internal/meshclient"
	"github.com/cbkow/mid-render/internal/meshserver"
	"github.com/cbkow/mid-render/internal/metrics"
	"github.com/cbkow/mid-render/internal/registry"
	"github.com/cbkow/mid-render/internal/render"
	"github.com/cbkow/mid-render/internal/reportqueue"
	"github.com/cbkow/mid-render/internal/store"
	"github.com/cbkow/mid-render/internal/transport/udp"
	"github.com/cbkow/mid-render/pkg/types"
)

const (
	udpResendInterval  = 3 * time.Second
	httpShutdownGrace  = 5 * time.Second
	reportQueueWALFile = "reportqueue.wal"
)

// Node owns every per-process component of one MidRender node and the
// errgroup running its background loops. Built once by New, started
// once by Run.
type Node struct {
	cfg *config.Config
	log logging.Logger

	layout   *farmfs.Layout
	endpoint *farmfs.EndpointManager
	nodeID   types.NodeID

	udpTransport *udp.Transport
	registry     *registry.Registry
	// storeRef holds the leader's open store, set and cleared only from
	// the dispatch tick goroutine (runDispatchTickLoop) on leadership
	// transitions. meshserver reads it concurrently through a getter
	// function, hence the atomic rather than a plain field.
	storeRef       atomic.Pointer[store.Store]
	localStorePath string
	tracker        *failuretracker.Tracker
	reports        *reportqueue.Queue
	engine         *dispatch.Engine
	renderCoord    *render.Coordinator
	agent          *agentipc.Supervisor
	meshClient     *meshclient.Client
	mesh           *meshserver.Server
	metrics        *metrics.Collector

	httpServer *http.Server

	wasLeader bool
}

// New wires every component from cfg. It does not start any
// background loop or bind any socket; call Run for that.
func New(cfg *config.Config, log logging.Logger) (*Node, error) {
	layout, err := farmfs.Init(cfg.Node.FarmRoot)
	if err != nil {
		return nil, fmt.Errorf("init farm root: %w", err)
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID, err = farmfs.LoadOrCreateIdentity(layout.Root())
		if err != nil {
			return nil, fmt.Errorf("load identity: %w", err)
		}
	}
	log = log.With("node", nodeID)

	nodeDir, err := layout.NodeDir(nodeID)
	if err != nil {
		return nil, fmt.Errorf("create node dir: %w", err)
	}
	endpoint := farmfs.NewEndpointManager(nodeDir)

	udpTransport, err := udp.Dial(cfg.UDP.MulticastAddr, log.With("component", "udp"))
	if err != nil {
		return nil, fmt.Errorf("dial udp multicast: %w", err)
	}

	clk := clock.Real{}
	selfAddr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	self := types.PeerInfo{
		Endpoint:    selfAddr,
		Priority:    cfg.Node.Priority,
		Tags:        cfg.Node.Tags,
		NodeState:   types.NodeActive,
		RenderState: types.RenderIdle,
	}
	reg := registry.New(nodeID, self, clk)

	// The store lives on this machine's own disk, never on the shared
	// farm mount: only the leader holds it open, and leadership can
	// move between nodes that all mount the same farm root. The shared
	// snapshot under layout.SnapshotPath() is what carries state across
	// that move.
	localAppDataDir, err := farmfs.LocalAppDataDir(nodeID)
	if err != nil {
		return nil, fmt.Errorf("resolve local app data dir: %w", err)
	}
	localStorePath := filepath.Join(localAppDataDir, "state.db")
	stagingDir := filepath.Join(localAppDataDir, "staging")

	tracker := failuretracker.New()
	meshClient := meshclient.New()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	agent := agentipc.New(string(nodeID), log.With("component", "agent"))

	n := &Node{
		cfg:            cfg,
		log:            log,
		layout:         layout,
		endpoint:       endpoint,
		nodeID:         nodeID,
		udpTransport:   udpTransport,
		registry:       reg,
		localStorePath: localStorePath,
		tracker:        tracker,
		agent:          agent,
		meshClient:     meshClient,
		metrics:        collector,
	}

	reportsQueue, err := reportqueue.New(reportqueue.Config{
		Local:             n,
		Remote:            meshClient,
		Leader:            reg,
		Logger:            log.With("component", "reportqueue"),
		DurabilityLogPath: filepath.Join(nodeDir, reportQueueWALFile),
	})
	if err != nil {
		return nil, fmt.Errorf("build report queue: %w", err)
	}
	n.reports = reportsQueue

	n.renderCoord = render.New(render.Config{
		FarmRoot:       cfg.Node.FarmRoot,
		NodeID:         nodeID,
		NodeOS:         runtime.GOOS,
		Agent:          agent,
		Sink:           n,
		Reports:        reportsQueue,
		Clock:          clk,
		Logger:         log.With("component", "render"),
		StagingEnabled: cfg.Render.StagingEnabled,
		StagingDir:     stagingDir,
	})

	// Store starts nil: this node has not won an election yet.
	// acquireLeaderStore opens it on becoming leader.
	dispatchCfg := dispatch.Config{
		Registry:     reg,
		Tracker:      tracker,
		Clock:        clk,
		Logger:       log.With("component", "dispatch"),
		LocalNodeID:  nodeID,
		Remote:       meshClient,
		Render:       n.renderCoord,
		SnapshotPath: layout.SnapshotPath(),
	}
	if collector != nil {
		// Assigning through a typed-nil *metrics.Collector would leave
		// the interface non-nil and panic on first use, so this is
		// gated on the concrete pointer rather than the field itself.
		dispatchCfg.Metrics = collector
	}
	n.engine = dispatch.New(dispatchCfg)

	n.mesh = meshserver.New(meshserver.Config{
		Registry:       reg,
		Render:         n.renderCoord,
		Engine:         n.engine,
		Store:          n.currentStore,
		Tracker:        tracker,
		Logger:         log.With("component", "meshserver"),
		MetricsEnabled: cfg.Metrics.Enabled,
	})

	return n, nil
}

// currentStore returns the leader's open store, or nil if this node is
// not currently leader. Passed to meshserver as a getter function so
// its HTTP handlers always see the live value instead of a pointer
// captured once at construction.
func (n *Node) currentStore() *store.Store {
	return n.storeRef.Load()
}

// SetRenderState implements render.StateSink by forwarding into the
// registry, so the render coordinator never needs to know about the
// registry directly.
func (n *Node) SetRenderState(state types.RenderState, job types.JobID, chunk int64) {
	n.registry.SetRenderState(state, job, chunk)
}

// QueueCompletion implements reportqueue.LocalSink for the
// leader-is-self fast path.
func (n *Node) QueueCompletion(r types.CompletionReport) { n.engine.QueueCompletion(r) }

// QueueFailure implements reportqueue.LocalSink for the leader-is-self
// fast path.
func (n *Node) QueueFailure(r types.FailureReport) { n.engine.QueueFailure(r) }

// QueueFrameCompletion implements reportqueue.LocalSink for the
// leader-is-self fast path.
func (n *Node) QueueFrameCompletion(r types.FrameReport) { n.engine.QueueFrameCompletion(r) }

// Run starts every background loop under one errgroup and blocks until
// ctx is cancelled or one loop returns a fatal error. On return, every
// loop has been asked to stop and the HTTP listener has been given
// httpShutdownGrace to drain in-flight requests.
//
// Shutdown runs in two stages: cancelling the errgroup's context stops
// every loop together, the report queue's flush loop included; once
// all of them have returned, the HTTP listener is shut down, then the
// agent, then the leader store is closed.
func (n *Node) Run(ctx context.Context) error {
	if err := n.reports.Recover(); err != nil {
		n.log.Error("supervisor", "recover report queue", "error", err)
	}

	if connectErr := n.agent.Spawn(ctx, n.cfg.Agent.Path, nil, n.cfg.Agent.ConnectTimeout); connectErr != nil {
		n.log.Warn("supervisor", "initial agent spawn failed, will retry from render pump", "error", connectErr)
	}

	n.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", n.cfg.HTTP.Host, n.cfg.HTTP.Port),
		Handler: n.mesh.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.runHTTPListener(gctx) })
	g.Go(func() error { n.runRegistryPollLoop(gctx); return nil })
	g.Go(func() error { n.runUDPSendLoop(gctx); return nil })
	g.Go(func() error { n.runUDPReceiveLoop(gctx); return nil })
	g.Go(func() error { n.closeUDPOnShutdown(gctx); return nil })
	g.Go(func() error { n.runDispatchTickLoop(gctx); return nil })
	g.Go(func() error { n.runRenderPumpLoop(gctx); return nil })
	g.Go(func() error { n.reports.Run(gctx); return nil })

	err := g.Wait()

	n.shutdown()
	return err
}

func (n *Node) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	if n.httpServer != nil {
		if err := n.httpServer.Shutdown(shutdownCtx); err != nil {
			n.log.Warn("supervisor", "http shutdown did not complete cleanly", "error", err)
		}
	}

	n.agent.Shutdown(httpShutdownGrace)

	if st := n.storeRef.Load(); st != nil {
		if err := st.Close(); err != nil {
			n.log.Warn("supervisor", "close store", "error", err)
		}
	}
}

func (n *Node) runHTTPListener(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- n.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("mesh http listener: %w", err)
		}
		return nil
	}
}

// runRegistryPollLoop is the node's slow-path liveness cycle: write
// this node's endpoint file, discover peers from the shared
// filesystem, poll every peer whose UDP contact has gone stale, garbage
// collect the dead, and recompute the leader. One full tick per
// config.Intervals.RegistryPoll, matching the original implementation's
// PeerManager::threadFunc cadence.
func (n *Node) runRegistryPollLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Intervals.RegistryPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.registryTick(ctx)
		}
	}
}

func (n *Node) registryTick(ctx context.Context) {
	self := n.registry.Self()
	if err := n.endpoint.Write(types.PeerEndpoint{
		NodeID:      n.nodeID,
		IP:          self.Endpoint,
		Port:        n.cfg.HTTP.Port,
		TimestampMs: time.Now().UnixMilli(),
	}); err != nil {
		n.log.Warn("registry", "write endpoint file", "error", err)
	}

	dirs, err := n.layout.ListNodeDirs()
	if err != nil {
		n.log.Warn("registry", "list node dirs", "error", err)
		dirs = nil
	}
	live := make(map[types.NodeID]struct{}, len(dirs))
	for _, id := range dirs {
		live[id] = struct{}{}
		if id == n.nodeID {
			continue
		}
		nodeDir, err := n.layout.NodeDir(id)
		if err != nil {
			continue
		}
		ep, err := farmfs.NewEndpointManager(nodeDir).Read()
		if err != nil || ep.NodeID == "" {
			continue
		}
		n.registry.UpsertFromEndpointFile(ep)
	}

	due := n.registry.DueForHTTPPoll()
	if len(due) > 0 {
		results := make([]registry.PollResult, 0, len(due))
		for _, id := range due {
			peer, ok := n.registry.Get(id)
			if !ok || peer.Endpoint == "" {
				results = append(results, registry.PollResult{NodeID: id, Success: false})
				continue
			}
			info, err := n.meshClient.GetStatus(ctx, peer.Endpoint)
			if err != nil {
				results = append(results, registry.PollResult{NodeID: id, Success: false})
				continue
			}
			full := info
			results = append(results, registry.PollResult{NodeID: id, Success: true, Hardware: info.Hardware, Full: &full})
		}
		n.registry.ApplyPollResults(results)
	}

	n.registry.GarbageCollect(live)

	alive := n.registry.AlivePeers()
	winner, transition := election.Recompute(n.nodeID, alive, n.wasLeader)
	n.registry.SetLeader(winner)
	n.wasLeader = winner == n.nodeID

	if n.metrics != nil {
		n.metrics.SetPeerCount(len(alive))
		n.metrics.SetReportQueueDepth(n.reports.Depth())
		if transition == election.BecameLeader {
			n.metrics.RecordElectionWon()
		}
	}
}

func (n *Node) runUDPSendLoop(ctx context.Context) {
	ticker := time.NewTicker(udpResendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			self := n.registry.Self()
			hb := udp.Heartbeat{
				NodeID:      n.nodeID,
				IP:          self.Endpoint,
				Port:        n.cfg.HTTP.Port,
				NodeState:   self.NodeState,
				RenderState: self.RenderState,
				Job:         self.ActiveJob,
				Chunk:       self.ActiveChunk,
				Priority:    self.Priority,
			}
			if err := n.udpTransport.SendHeartbeat(hb); err != nil {
				n.log.Warn("udp", "send heartbeat", "error", err)
			}
		}
	}
}

func (n *Node) runUDPReceiveLoop(ctx context.Context) {
	for {
		frame, err := n.udpTransport.Receive()
		if err != nil {
			if udp.IsSkippable(err) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			n.log.Warn("udp", "receive loop exiting", "error", err)
			return
		}
		switch {
		case frame.Heartbeat != nil:
			hb := frame.Heartbeat
			n.registry.ProcessUDPHeartbeat(hb.NodeID, hb.IP, hb.Port, hb.NodeState, hb.RenderState, hb.Job, hb.Chunk, hb.Priority)
		case frame.Goodbye != nil:
			n.registry.ProcessUDPGoodbye(frame.Goodbye.NodeID)
		}
	}
}

// closeUDPOnShutdown sends a goodbye frame and closes the multicast
// socket exactly once ctx is cancelled, which is also what unblocks
// runUDPReceiveLoop's pending Receive call.
func (n *Node) closeUDPOnShutdown(ctx context.Context) {
	<-ctx.Done()
	if err := n.udpTransport.SendGoodbye(n.nodeID); err != nil {
		n.log.Warn("supervisor", "send goodbye failed", "error", err)
	}
	n.udpTransport.Close()
}

// runDispatchTickLoop drives the leader's dispatch engine. Only the
// currently-elected leader ticks the engine; every other node sits
// idle here until (if ever) it wins an election. The store's whole
// open/restore/close lifecycle is confined to this one goroutine via
// the loop-local storeOpen flag, so dispatch.Engine.store and
// n.storeRef need no lock of their own for this writer.
func (n *Node) runDispatchTickLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Intervals.DispatchTick)
	defer ticker.Stop()

	storeOpen := false
	for {
		select {
		case <-ctx.Done():
			if storeOpen {
				n.releaseLeaderStore()
			}
			return
		case <-ticker.C:
			isLeader := n.registry.IsLeader()
			switch {
			case isLeader && !storeOpen:
				n.acquireLeaderStore()
				storeOpen = true
			case !isLeader && storeOpen:
				n.releaseLeaderStore()
				storeOpen = false
			}
			if !isLeader {
				continue
			}

			start := time.Now()
			n.engine.Tick()
			if n.metrics != nil {
				n.metrics.ObserveTick(time.Since(start).Seconds())
			}
		}
	}
}

// acquireLeaderStore opens the local working store on becoming leader,
// restoring from the shared snapshot first if one exists so a failover
// resumes from the prior leader's last periodic snapshot rather than
// empty history.
func (n *Node) acquireLeaderStore() {
	snapshotPath := n.layout.SnapshotPath()

	var st *store.Store
	var err error
	if _, statErr := os.Stat(snapshotPath); statErr == nil {
		st, err = store.RestoreFrom(snapshotPath, n.localStorePath)
		if err != nil {
			n.log.Warn("supervisor", "restore store from snapshot failed, opening local store fresh", "error", err)
			st, err = store.Open(n.localStorePath)
		}
	} else {
		st, err = store.Open(n.localStorePath)
	}
	if err != nil {
		n.log.Error("supervisor", "failed to open leader store", "error", err)
		return
	}

	n.storeRef.Store(st)
	n.engine.SetStore(st)
	n.log.Info("supervisor", "opened leader store", "path", n.localStorePath)
}

// releaseLeaderStore closes the local store on losing leadership.
func (n *Node) releaseLeaderStore() {
	n.engine.SetStore(nil)
	st := n.storeRef.Swap(nil)
	if st == nil {
		return
	}
	if err := st.Close(); err != nil {
		n.log.Warn("supervisor", "close leader store", "error", err)
	}
	n.log.Info("supervisor", "closed leader store")
}

func (n *Node) runRenderPumpLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Intervals.RenderPump)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.renderCoord.Pump()
		}
	}
}
