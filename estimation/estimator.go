// Package estimation coordinates the shared trajectory estimate of a
// multi-worker laser SLAM back end. A single estimator owns the incremental
// solver, one track per worker and the hand-off prior bookkeeping; workers
// feed it poses and scans, a place recognition front end feeds it loop
// closures, and every accepted update is fanned back out to all tracks.
package estimation

import (
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/laserslam/posegraph"
	"go.viam.com/laserslam/registration"
	"go.viam.com/laserslam/spatialmath"
	"go.viam.com/laserslam/trajectory"
)

const noPriorRecorded = -1

// IncrementalEstimator owns the estimation state shared by all workers.
// Every public operation acquires the estimator's single lock, so updates
// are totally ordered and each is atomic; flows that span multiple protocol
// steps reuse the locked internals instead of re-entering the lock.
type IncrementalEstimator struct {
	mu     sync.Mutex
	cfg    Config
	logger golog.Logger

	solver  posegraph.Solver
	matcher registration.Matcher
	tracks  []*trajectory.LaserTrack
	lcNoise posegraph.NoiseModel

	// priorToRemove is the graph index of the recorded hand-off prior, or
	// noPriorRecorded while the slot is empty.
	priorToRemove int
}

// New returns an estimator with cfg.NumWorkers empty tracks. Track 0
// anchors the shared world frame permanently; every other track gets a
// hand-off anchor whose prior is retracted once a loop closure ties it to
// the rest of the graph.
func New(cfg Config, logger golog.Logger) (*IncrementalEstimator, error) {
	if err := cfg.Validate("estimation"); err != nil {
		return nil, err
	}
	lcNoise, err := posegraph.NewDiagonalNoise(cfg.LoopClosureNoiseSigmas)
	if err != nil {
		return nil, errors.Wrap(err, "invalid loop closure noise")
	}
	if cfg.MEstimatorOnLoopClosures {
		if lcNoise, err = posegraph.NewCauchyNoise(1, lcNoise); err != nil {
			return nil, err
		}
	}

	e := &IncrementalEstimator{
		cfg:           cfg,
		logger:        logger,
		solver:        posegraph.NewIncrementalSolver(posegraph.DefaultParams()),
		lcNoise:       lcNoise,
		priorToRemove: noPriorRecorded,
	}
	if cfg.ICPOnLoopClosures || cfg.Track.UseICPFactors {
		e.matcher = registration.NewICP(registration.LoadConfig(cfg.ICPConfigPath, logger), logger)
	}
	for i := 0; i < cfg.NumWorkers; i++ {
		role := trajectory.AnchorHandOff
		if i == 0 {
			role = trajectory.AnchorPermanent
		}
		track, err := trajectory.NewLaserTrack(cfg.Track, i, role, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Track.UseICPFactors {
			track.SetMatcher(e.matcher)
		}
		e.tracks = append(e.tracks, track)
	}
	logger.Infow("incremental estimator ready",
		"workers", cfg.NumWorkers,
		"icp_on_loop_closures", cfg.ICPOnLoopClosures,
	)
	return e, nil
}

// Estimate submits new factors and values to the solver and returns the
// updated solution.
func (e *IncrementalEstimator) Estimate(newFactors *posegraph.Graph, newValues posegraph.Values) (posegraph.Values, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimateLocked(newFactors, newValues, nil)
}

// estimateLocked runs a solver update followed by the two forced passes
// that let variables depending on relinearized ones settle, then extracts
// the solution.
func (e *IncrementalEstimator) estimateLocked(newFactors *posegraph.Graph, newValues posegraph.Values, removeIndices []int) (posegraph.Values, error) {
	start := time.Now()
	if _, err := e.solver.Update(newFactors, newValues, removeIndices); err != nil {
		return nil, err
	}
	if err := e.forcedPassesLocked(); err != nil {
		return nil, err
	}
	solution := e.solver.CalculateEstimate()
	e.logger.Debugw("estimated trajectories", "took", time.Since(start))
	return solution, nil
}

func (e *IncrementalEstimator) forcedPassesLocked() error {
	for i := 0; i < 2; i++ {
		if _, err := e.solver.Update(nil, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

// EstimateAndRemove behaves like Estimate and additionally retracts the
// recorded hand-off prior, if any, in the same update. A successful removal
// consumes the recorded index; with none recorded the removal part is a
// no-op.
func (e *IncrementalEstimator) EstimateAndRemove(newFactors *posegraph.Graph, newValues posegraph.Values) (posegraph.Values, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estimateAndRemoveLocked(newFactors, newValues)
}

func (e *IncrementalEstimator) estimateAndRemoveLocked(newFactors *posegraph.Graph, newValues posegraph.Values) (posegraph.Values, error) {
	var remove []int
	if e.priorToRemove != noPriorRecorded {
		remove = []int{e.priorToRemove}
	}
	solution, err := e.estimateLocked(newFactors, newValues, remove)
	if err != nil {
		return nil, err
	}
	if len(remove) > 0 {
		e.logger.Debugw("retracted hand-off prior", "factor_index", e.priorToRemove)
		e.priorToRemove = noPriorRecorded
	}
	return solution, nil
}

// RegisterPrior submits a track's prior factor set, which must yield exactly
// one new factor index. For hand-off tracks that index is recorded,
// superseding any previously recorded one, so that a later
// estimate-and-remove can retract the prior again.
func (e *IncrementalEstimator) RegisterPrior(newFactors *posegraph.Graph, newValues posegraph.Values, trackID int) (posegraph.Values, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registerPriorLocked(newFactors, newValues, trackID)
}

func (e *IncrementalEstimator) registerPriorLocked(newFactors *posegraph.Graph, newValues posegraph.Values, trackID int) (posegraph.Values, error) {
	track, err := e.trackLocked(trackID)
	if err != nil {
		return nil, err
	}
	res, err := e.solver.Update(newFactors, newValues, nil)
	if err != nil {
		return nil, err
	}
	if len(res.NewFactorIndices) != 1 {
		return nil, errors.Errorf(
			"expected exactly one new factor index registering a prior, got %d", len(res.NewFactorIndices))
	}
	if track.AnchorRole() == trajectory.AnchorHandOff {
		e.priorToRemove = res.NewFactorIndices[0]
		e.logger.Debugw("recorded hand-off prior", "track", trackID, "factor_index", e.priorToRemove)
	}
	if err := e.forcedPassesLocked(); err != nil {
		return nil, err
	}
	return e.solver.CalculateEstimate(), nil
}

// ProcessLoopClosure validates a loop closure, optionally refines its
// transform against sub-maps around both endpoints, inserts the resulting
// constraint together with any pending prior retraction, and fans the new
// solution out to every track.
func (e *IncrementalEstimator) ProcessLoopClosure(lc trajectory.RelativePose) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	updated, trackA, trackB, err := e.validateAndRefineLocked(lc)
	if err != nil {
		return err
	}

	keyA, err := trackA.ValueHandle(updated.TimeANs)
	if err != nil {
		return err
	}
	keyB, err := trackB.ValueHandle(updated.TimeBNs)
	if err != nil {
		return err
	}

	graph := posegraph.NewGraph()
	graph.Add(posegraph.NewExpressionFactor(e.lcNoise, updated.Transform, posegraph.BetweenExpression(keyA, keyB)))
	solution, err := e.estimateAndRemoveLocked(graph, nil)
	if err != nil {
		return err
	}
	e.absorbLocked(solution)
	e.logger.Debugw("processed loop closure",
		"track_a", lc.TrackIDA,
		"track_b", lc.TrackIDB,
		"took", time.Since(start),
	)
	return nil
}

// validateAndRefineLocked checks the closure's time ordering and track
// bounds before any state changes, then refines the transform best-effort:
// a refinement failure keeps the unrefined transform and is only logged.
func (e *IncrementalEstimator) validateAndRefineLocked(lc trajectory.RelativePose) (
	trajectory.RelativePose, *trajectory.LaserTrack, *trajectory.LaserTrack, error,
) {
	if lc.TimeANs >= lc.TimeBNs {
		return lc, nil, nil, errors.Errorf(
			"loop closure time_a %d must strictly precede time_b %d", lc.TimeANs, lc.TimeBNs)
	}
	trackA, err := e.trackLocked(lc.TrackIDA)
	if err != nil {
		return lc, nil, nil, err
	}
	trackB, err := e.trackLocked(lc.TrackIDB)
	if err != nil {
		return lc, nil, nil, err
	}
	if err := checkCovered(trackA, lc.TimeANs); err != nil {
		return lc, nil, nil, err
	}
	if err := checkCovered(trackB, lc.TimeBNs); err != nil {
		return lc, nil, nil, err
	}

	if e.cfg.ICPOnLoopClosures && e.matcher != nil {
		refined, err := e.refineLocked(lc, trackA, trackB)
		if err != nil {
			e.logger.Warnw("loop closure refinement failed, keeping unrefined transform",
				"track_a", lc.TrackIDA,
				"track_b", lc.TrackIDB,
				"error", err,
			)
		} else {
			lc.Transform = refined
		}
	}
	return lc, trackA, trackB, nil
}

func checkCovered(track *trajectory.LaserTrack, timeNs int64) error {
	minNs, maxNs, ok := track.TimeBounds()
	if !ok {
		return errors.Errorf("track %d has no poses", track.ID())
	}
	if timeNs < minNs || timeNs > maxNs {
		return errors.Errorf("time %d outside track %d bounds [%d, %d]", timeNs, track.ID(), minNs, maxNs)
	}
	return nil
}

func (e *IncrementalEstimator) refineLocked(lc trajectory.RelativePose, trackA, trackB *trajectory.LaserTrack) (spatialmath.Pose, error) {
	subA, err := trackA.BuildSubMapAroundTime(lc.TimeANs, e.cfg.SubMapRadiusScans)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	subB, err := trackB.BuildSubMapAroundTime(lc.TimeBNs, e.cfg.SubMapRadiusScans)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	// Both sub-maps are centered on their closure endpoints, so aligning
	// B onto A yields the refined endpoint-to-endpoint pose directly.
	return e.matcher.Compute(subB, subA, lc.Transform)
}

// ProcessPoseAndScan appends a pose, with an optional scan, to a track and
// runs the matching coordinated update: the first pose of a track registers
// its prior, later poses submit their relative constraints. The track
// append and the solver insertion happen under one lock acquisition, so a
// concurrent loop closure can never observe a node whose value has not yet
// reached the solver.
func (e *IncrementalEstimator) ProcessPoseAndScan(trackID int, p trajectory.TimestampedPose, scan *trajectory.LaserScan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	track, err := e.trackLocked(trackID)
	if err != nil {
		return err
	}
	newFactors, newValues, isPrior, err := track.ProcessPoseAndScan(p, scan)
	if err != nil {
		return err
	}
	var solution posegraph.Values
	if isPrior {
		solution, err = e.registerPriorLocked(newFactors, newValues, trackID)
	} else {
		solution, err = e.estimateLocked(newFactors, newValues, nil)
	}
	if err != nil {
		return err
	}
	e.absorbLocked(solution)
	return nil
}

// absorbLocked fans a solution out to every track, including tracks the
// triggering update did not reference.
func (e *IncrementalEstimator) absorbLocked(solution posegraph.Values) {
	for _, track := range e.tracks {
		track.UpdateFromValues(solution)
	}
}

func (e *IncrementalEstimator) trackLocked(id int) (*trajectory.LaserTrack, error) {
	if id < 0 || id >= len(e.tracks) {
		return nil, errors.Errorf("track id %d out of range, have %d tracks", id, len(e.tracks))
	}
	return e.tracks[id], nil
}

// GetTrack returns the track with the given ID.
func (e *IncrementalEstimator) GetTrack(id int) (*trajectory.LaserTrack, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trackLocked(id)
}
