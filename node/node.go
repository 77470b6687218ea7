// Copyright (C) 2020-2026 The QRDAG Authors. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node wires every C1-C12 component into a single consensus
// node and exposes spec.md §6's three external interfaces: submitter
// (Submit/Status/FinalityStream), peer (Query/Gossip/SyncRequest/
// KeyAnnouncement), and operator (circuit control, snapshot-now,
// prune-to-height, mode override, rotate-key). Construction mirrors
// the teacher's `engine/fastdag.Engine`: a single New(cfg, ...) builds
// every component explicitly and returns one struct; nothing here
// reaches for global state.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/luxfi/validators"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qrdag/consensus/avalanche"
	"github.com/qrdag/consensus/breaker"
	"github.com/qrdag/consensus/choices"
	"github.com/qrdag/consensus/config"
	"github.com/qrdag/consensus/cryptopq"
	"github.com/qrdag/consensus/degraded"
	"github.com/qrdag/consensus/events"
	"github.com/qrdag/consensus/failuredetector"
	"github.com/qrdag/consensus/fork"
	"github.com/qrdag/consensus/ids"
	"github.com/qrdag/consensus/metric"
	"github.com/qrdag/consensus/quorum"
	"github.com/qrdag/consensus/recovery"
	"github.com/qrdag/consensus/reputation"
	"github.com/qrdag/consensus/sampler"
	"github.com/qrdag/consensus/statesync"
	"github.com/qrdag/consensus/store"
	"github.com/qrdag/consensus/transport"
	"github.com/qrdag/consensus/vertex"
)

// ErrThrottled is returned by Submit when the current degraded-mode
// ceiling on in-flight proposals is exceeded, per spec.md §5's
// backpressure policy.
var ErrThrottled = errors.New("node: submission throttled, too many in-flight proposals")

// SubmitResult is the submitter interface's synchronous reply.
type SubmitResult struct {
	VertexID    ids.ID
	SubmittedAt time.Time
}

// StatusResult is the submitter interface's status() reply.
type StatusResult struct {
	Status     choices.Status
	Confidence float64
	Depth      int
}

// Deps bundles the pluggable collaborators a Node is constructed with:
// persistence, the signing identity, the network sender, and the state
// sync data source. All are interfaces owned by packages below node,
// matching spec.md §9's "transport, persistence, and signature scheme
// are abstract capabilities" design note.
type Deps struct {
	DB         database.Database
	Codec      store.Codec
	Logger     log.Logger
	Registry   prometheus.Registerer
	Sender     transport.Sender
	SyncSource statesync.Source
	Backups    recovery.BackupSource
	Prober     recovery.Prober
	SigningKey *cryptopq.KeyPair

	// ValidatorState is an optional external stake source (e.g. the
	// host chain's own staking state); when set, SyncValidators can
	// reconcile C11's reputation manager's stakes against it for
	// SubnetID. Nil disables external sync; the node itself then
	// registers no stakes with the reputation manager.
	ValidatorState validators.State
	SubnetID       ids.ID
}

// Node owns every C1-C12 component for one participant in the DAG.
type Node struct {
	cfg config.Parameters
	log log.Logger

	self   ids.NodeID
	signer *cryptopq.Signer

	store      *store.Store
	breaker    *breaker.Breaker
	sampler    *sampler.Weighted
	transport  *transport.Transport
	engine     *avalanche.Engine
	failureDet *failuredetector.Detector
	recovery   *recovery.Manager
	reconciler *fork.Reconciliator
	syncer     *statesync.Syncer
	degraded   *degraded.Manager
	reputation *reputation.Manager
	quorumMgr  *quorum.AdaptiveQuorum
	events     *events.Bus

	validatorState validators.State
	subnetID       ids.ID

	mu        sync.Mutex
	inFlight  int
	modeForce *degraded.Mode // operator override, nil when unforced

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New constructs every component for self's node identity and wires
// them together. cfg must already satisfy config.Parameters.Valid().
func New(cfg config.Parameters, self ids.NodeID, deps Deps) (*Node, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics, err := metric.NewConsensus(reg)
	if err != nil {
		return nil, err
	}

	signer, err := cryptopq.NewSigner(deps.SigningKey)
	if err != nil {
		return nil, err
	}

	st := store.New(deps.DB, deps.Codec, deps.Logger, metrics,
		store.WithTimestampSkew(cfg.TimestampSkew),
		store.WithCacheSize(4096))

	br := breaker.New(breaker.Config{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		OpenTimeout:       cfg.BreakerOpenTimeout,
		HalfOpenProbes:    cfg.BreakerHalfOpenProbes,
		HalfOpenSuccess:   cfg.BreakerHalfOpenSuccess,
		TimeoutMultiplier: cfg.TimeoutMultiplier,
		TimeoutMin:        cfg.TimeoutMin,
		TimeoutMax:        cfg.TimeoutMax,
		TimeoutBase:       cfg.TimeoutBase,
		LatencyWindow:     cfg.LatencyReservoir,
	}, metrics)

	smp := sampler.NewWeighted(nil)
	tr := transport.New(deps.Sender, br)

	fd := failuredetector.New(cfg.HeartbeatReservoir, cfg.MinHeartbeatStdDev, cfg.SuspicionThreshold)

	repMgr := reputation.New(reputation.Config{
		ByzantineStrikes: cfg.ByzantineStrikes,
		SlashFraction:    cfg.SlashFraction,
	})

	qm := quorum.New(quorum.Config{
		ElevatedDetectionRate: cfg.ElevatedRate,
		HighDetectionRate:     cfg.HighRate,
		Cooldown:              cfg.QuorumCooldown,
	})

	evBus := events.New(metrics)

	recMgr := recovery.New(recovery.Config{
		MaxAttempts:    cfg.RecoveryMaxAttempts,
		InitialBackoff: cfg.RecoveryBackoffMin,
		MaxBackoff:     cfg.RecoveryBackoffMax,
		ProbeTimeout:   cfg.RecoveryProbeTimeout,
	}, fd, deps.Backups, deps.Prober, recoverySink{evBus})

	reconciler := fork.New(st, repMgr, forkSink{evBus})

	syncer := statesync.New(statesync.Config{
		MaxGap:       cfg.DeltaSyncMaxGap,
		BatchSize:    cfg.DeltaSyncBatch,
		Timeout:      cfg.SyncTimeout,
		Checkpoint:   cfg.SyncCheckpoint,
		BandwidthBPS: cfg.SyncBandwidthBPS,
	}, st, deps.SyncSource, metrics)

	degMgr := degraded.New(cfg.DegradedUpgradeSustain, modeSink{evBus})

	engine := avalanche.New(avalanche.Params{
		K:          cfg.K,
		Beta:       cfg.Beta,
		MaxRounds:  cfg.MaxRounds,
		MaxPerTick: 64,
	}, st, smp, tr, br, qm, repMgr, fd, deps.Logger, metrics)

	return &Node{
		cfg:            cfg,
		log:            deps.Logger,
		self:           self,
		signer:         signer,
		store:          st,
		breaker:        br,
		sampler:        smp,
		transport:      tr,
		engine:         engine,
		failureDet:     fd,
		recovery:       recMgr,
		reconciler:     reconciler,
		syncer:         syncer,
		degraded:       degMgr,
		reputation:     repMgr,
		quorumMgr:      qm,
		events:         evBus,
		validatorState: deps.ValidatorState,
		subnetID:       deps.SubnetID,
		shutdown:       make(chan struct{}),
	}, nil
}

// SyncValidators reconciles C11's reputation manager's stakes against
// the configured external validator state at height, for the operator
// surface spec.md §6 groups alongside circuit control and mode
// override. A no-op, returning nil, when no ValidatorState dependency
// was supplied.
func (n *Node) SyncValidators(height uint64) error {
	if n.validatorState == nil {
		return nil
	}
	return n.reputation.SyncFromValidatorState(n.validatorState, n.subnetID, height)
}

// --- Submitter interface (spec.md §6) ---

// Submit signs payload as a new vertex referencing the current
// frontier and appends it to the store. priority is accepted for
// future scheduling use but does not currently affect ordering.
func (n *Node) Submit(ctx context.Context, payload []byte, priority int) (SubmitResult, error) {
	knobs := n.degraded.Knobs()

	n.mu.Lock()
	if knobs.MaxInFlightProposals > 0 && n.inFlight >= knobs.MaxInFlightProposals {
		n.mu.Unlock()
		return SubmitResult{}, ErrThrottled
	}
	n.inFlight++
	n.mu.Unlock()

	now := time.Now()
	parents := n.store.Frontier()

	v, err := vertex.New(n.self, now, parents, payload, n.signer)
	if err != nil {
		n.decrementInFlight()
		return SubmitResult{}, err
	}

	if err := n.store.Append(ctx, v, now); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		n.decrementInFlight()
		return SubmitResult{}, err
	}

	n.events.Emit(events.Event{Kind: events.VertexAppended, Timestamp: now, Vertex: v.ID()})
	return SubmitResult{VertexID: v.ID(), SubmittedAt: now}, nil
}

func (n *Node) decrementInFlight() {
	n.mu.Lock()
	if n.inFlight > 0 {
		n.inFlight--
	}
	n.mu.Unlock()
}

// Status reports a submitted vertex's current finality state,
// confidence, and depth (number of first-parent links back to a
// genesis vertex).
func (n *Node) Status(id ids.ID) (StatusResult, error) {
	v, err := n.store.Get(id)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		Status:     v.Status,
		Confidence: n.confidenceScore(id),
		Depth:      n.depth(id),
	}, nil
}

// confidenceScore derives the [0,1] confidence score spec.md §3 names
// from the confidence tracker's integer streak: the streak's fraction
// of the beta threshold, capped at 1.0 once a vertex has finalized.
func (n *Node) confidenceScore(id ids.ID) float64 {
	tracker := n.engine.Confidence()
	if tracker.Finalized(id) {
		return 1.0
	}
	if n.cfg.Beta <= 0 {
		return 0
	}
	score := float64(tracker.Confidence(id)) / float64(n.cfg.Beta)
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (n *Node) depth(id ids.ID) int {
	d := 0
	cur := id
	for {
		parents := n.store.Parents(cur)
		if len(parents) == 0 {
			return d
		}
		cur = parents[0]
		d++
	}
}

// FinalityStream returns the node's audit event channel, which a
// submitter filters for Finalized/Rejected kinds to build spec.md
// §6's finality_stream().
func (n *Node) FinalityStream() <-chan events.Event {
	return n.events.Events()
}

// --- Peer interface (spec.md §6) ---

// QueryResult is this node's answer to an inbound vote query.
type QueryResult struct {
	ResponderID ids.NodeID
	Vote        choices.Status
	Signature   []byte
}

// Query answers a peer's request for this node's current preference on
// vertexID. An unknown vertex yields a Pending vote (treated as
// Unknown by the requester) rather than an error, since the requester
// may be ahead of this node.
func (n *Node) Query(vertexID ids.ID, requesterPreference ids.ID) (QueryResult, error) {
	v, err := n.store.Get(vertexID)
	vote := choices.Pending
	if err == nil {
		vote = v.Status
	}
	digest := cryptopq.Hash(append(append([]byte{}, vertexID[:]...), byte(vote)))
	sig, err := n.signer.Sign(digest[:])
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{ResponderID: n.self, Vote: vote, Signature: sig}, nil
}

// Gossip ingests a vertex announced by a peer, appending it to the
// store the same way a local Submit would.
func (n *Node) Gossip(v *vertex.Vertex) error {
	now := time.Now()
	err := n.store.Append(context.Background(), v, now)
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}
	return nil
}

// SyncRequest catches this node up to remoteHeight using statesync,
// choosing delta or snapshot mode by the gap to localHeight.
func (n *Node) SyncRequest(ctx context.Context, localHeight, remoteHeight uint64) (statesync.Mode, error) {
	return n.syncer.Sync(ctx, localHeight, remoteHeight, nil)
}

// KeyAnnouncement verifies a peer's signed public-key announcement and
// returns vertex.ErrSignatureInvalid if it does not verify; it stores
// neither the key nor epoch. Peer-identity/public-key bookkeeping for signature
// verification lives in the caller's validator set; this method exists
// so the peer interface surface named in spec.md §6 has a concrete
// landing point even though key storage itself is out of this
// package's scope (the spec treats the identity/attestation layer as
// an external collaborator, §1).
func (n *Node) KeyAnnouncement(peer ids.NodeID, publicKey []byte, epoch uint64, signature []byte) error {
	if !cryptopq.Verify(publicKey, append(peer[:], publicKey...), signature) {
		return vertex.ErrSignatureInvalid
	}
	return nil
}

// --- Operator interface (spec.md §6) ---

// ForceOpenCircuit force-trips peer's circuit breaker to Open.
func (n *Node) ForceOpenCircuit(peer ids.NodeID) {
	n.breaker.ForceOpen(peer, time.Now())
}

// ForceCloseCircuit forces peer's circuit breaker to Closed.
func (n *Node) ForceCloseCircuit(peer ids.NodeID) {
	n.breaker.ForceClose(peer)
}

// ResetCircuit clears all breaker state for peer.
func (n *Node) ResetCircuit(peer ids.NodeID) {
	n.breaker.Reset(peer)
}

// SnapshotNow exports the store's full insertion-sequence range as a
// Merkle-verified snapshot, for the operator "snapshot-now" command.
func (n *Node) SnapshotNow() (*store.Snapshot, error) {
	frontier := n.store.Frontier()
	if len(frontier) == 0 {
		return nil, errors.New("node: nothing to snapshot")
	}
	return n.store.Snapshot(store.HeightRange{From: 0, To: ^uint64(0)})
}

// PruneToHeight removes finalized vertices with no non-finalized
// descendant, older than before, for the operator "prune-to-height"
// command.
func (n *Node) PruneToHeight(before time.Time) int {
	return n.store.Prune(store.PrunePolicy{RetainSince: before})
}

// SetModeOverride records mode as an operator override for drills,
// which effectiveMode reports in place of the degraded-mode manager's
// computed mode until SetModeOverride is called again with nil. The
// manager itself, and the knobs Submit and Start read from it, are
// not changed by the override.
func (n *Node) SetModeOverride(mode *degraded.Mode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.modeForce = mode
}

func (n *Node) effectiveMode() degraded.Mode {
	n.mu.Lock()
	override := n.modeForce
	n.mu.Unlock()
	if override != nil {
		return *override
	}
	return n.degraded.Mode()
}

// RotateKey replaces this node's signing identity. In-flight vertices
// signed under the old key remain valid (signatures are immutable once
// a vertex is content-addressed); only subsequent Submit calls use the
// new key.
func (n *Node) RotateKey(kp *cryptopq.KeyPair) error {
	signer, err := cryptopq.NewSigner(kp)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.signer = signer
	n.mu.Unlock()
	return nil
}

// ReconcileFork resolves a detected conflict between v1 and v2 (two
// vertices that cannot both remain on the path to finality) via C8,
// called by the node's own frontier-divergence check or by an
// external detector that noticed two candidates sharing an ancestor.
func (n *Node) ReconcileFork(v1, v2 ids.ID) (fork.Resolution, error) {
	return n.reconciler.Resolve(v1, v2)
}

// --- Lifecycle ---

// Tick drives one maintenance cycle: the avalanche round loop, expired
// pending-parent eviction, and a degraded-mode health observation. A
// production node calls Tick from a ticker loop at the degraded-mode
// manager's current heartbeat interval; tests call it directly.
func (n *Node) Tick(ctx context.Context, now time.Time, signals degraded.Signals) error {
	n.degraded.Observe(signals, now)
	n.store.ExpirePending(now)
	n.evaluatePeers(now)
	return n.engine.Tick(ctx, now)
}

// evaluatePeers drives C7's per-peer state machine one step for every
// peer currently carrying vote weight, and retires any peer that
// reaches a terminal state (Replaced, Failed) from the active
// population so the sampler stops drawing it.
func (n *Node) evaluatePeers(now time.Time) {
	for peer := range n.reputation.Weights() {
		switch n.recovery.Evaluate(peer, now) {
		case recovery.Replaced:
			n.reputation.Forget(peer)
			n.breaker.Forget(peer)
			n.failureDet.Forget(peer)
		case recovery.Failed:
			n.failureDet.MarkFailed(peer)
			n.reputation.Slash(peer)
			n.reputation.Forget(peer)
		}
	}
}

// CheckPartition reports whether fewer than quorumSize peers among the
// active, reputation-weighted population are reachable, for the operator/observability surface
// spec.md §4.3 names as detect_partition(quorum_size).
func (n *Node) CheckPartition(quorumSize int, now time.Time) (failuredetector.PartitionSet, bool) {
	weights := n.reputation.Weights()
	peers := make([]ids.NodeID, 0, len(weights))
	for peer := range weights {
		peers = append(peers, peer)
	}
	return n.failureDet.DetectPartition(peers, quorumSize, now)
}

// Start launches the node's background tick loop at the configured
// heartbeat interval, scaled by the current degraded-mode factor.
func (n *Node) Start(ctx context.Context, baseInterval time.Duration, signalFn func() degraded.Signals) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for {
			knobs := n.degraded.Knobs()
			interval := time.Duration(float64(baseInterval) * knobs.HeartbeatIntervalFactor)
			if interval <= 0 {
				interval = baseInterval
			}
			select {
			case <-n.shutdown:
				return
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			var sig degraded.Signals
			if signalFn != nil {
				sig = signalFn()
			}
			if err := n.Tick(ctx, time.Now(), sig); err != nil {
				n.log.Warn("tick failed", "err", err)
			}
		}
	}()
}

// Stop performs the two-phase drain from spec.md §5: stop accepting
// new ticks, let Tick's current iteration finish, then return. Callers
// should stop feeding Submit before calling Stop so in-flight rounds
// can complete rather than being cancelled mid-round.
func (n *Node) Stop() {
	close(n.shutdown)
	n.wg.Wait()
}

// --- audit sink adapters ---

type recoverySink struct{ bus *events.Bus }

func (s recoverySink) PeerSuspected(peer ids.NodeID) {
	s.bus.Emit(events.Event{Kind: events.PeerSuspected, Timestamp: time.Now(), Peer: peer})
}
func (s recoverySink) PeerRecovered(peer ids.NodeID) {
	s.bus.Emit(events.Event{Kind: events.PeerRecovered, Timestamp: time.Now(), Peer: peer})
}
func (s recoverySink) PeerReplaced(peer, backup ids.NodeID) {
	s.bus.Emit(events.Event{Kind: events.PeerReplaced, Timestamp: time.Now(), Peer: backup, Reason: peer.String()})
}
func (s recoverySink) PeerFailed(peer ids.NodeID) {
	s.bus.Emit(events.Event{Kind: events.PeerSuspected, Timestamp: time.Now(), Peer: peer, Reason: "failed"})
}

type forkSink struct{ bus *events.Bus }

func (s forkSink) ForkResolved(res fork.Resolution) {
	s.bus.Emit(events.Event{Kind: events.ForkResolved, Timestamp: time.Now(), Vertex: res.Winner})
}
func (s forkSink) FatalSafetyEvent(a, b ids.ID) {
	s.bus.Emit(events.Event{Kind: events.FatalSafetyEvent, Timestamp: time.Now(), Vertex: a, Reason: b.String()})
}

type modeSink struct{ bus *events.Bus }

func (s modeSink) ModeChange(from, to degraded.Mode) {
	s.bus.Emit(events.Event{Kind: events.ModeChange, Timestamp: time.Now(), Reason: from.String() + "->" + to.String()})
}
