package estimation

import (
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"go.viam.com/test"
	goutils "go.viam.com/utils"
	"go.viam.com/utils/testutils"

	"go.viam.com/laserslam/pointcloud"
	"go.viam.com/laserslam/posegraph"
	"go.viam.com/laserslam/spatialmath"
	"go.viam.com/laserslam/trajectory"
)

func poseAt(x float64) spatialmath.Pose {
	return spatialmath.NewPoseFromAxisAngle(r3.Vector{X: x}, r3.Vector{})
}

func scanWith(timeNs int64, pts ...r3.Vector) *trajectory.LaserScan {
	cloud := pointcloud.New()
	for _, p := range pts {
		cloud.Add(p)
	}
	return &trajectory.LaserScan{TimeNs: timeNs, Cloud: cloud}
}

func testConfig(workers int) Config {
	cfg := DefaultConfig()
	cfg.NumWorkers = workers
	return cfg
}

// fakeSolver records the protocol traffic the estimator sends across the
// solver boundary.
type updateCall struct {
	factors []*posegraph.Factor
	values  posegraph.Values
	removed []int
}

type fakeSolver struct {
	calls []updateCall
	next  int
	vals  posegraph.Values
}

func newFakeSolver() *fakeSolver {
	return &fakeSolver{vals: posegraph.Values{}}
}

func (s *fakeSolver) Update(g *posegraph.Graph, v posegraph.Values, rm []int) (posegraph.Result, error) {
	var fs []*posegraph.Factor
	if g != nil {
		fs = g.Factors()
	}
	s.calls = append(s.calls, updateCall{factors: fs, values: v, removed: rm})
	var res posegraph.Result
	for range fs {
		res.NewFactorIndices = append(res.NewFactorIndices, s.next)
		s.next++
	}
	for k, p := range v {
		s.vals[k] = p
	}
	return res, nil
}

func (s *fakeSolver) CalculateEstimate() posegraph.Values {
	return s.vals.Copy()
}

func (s *fakeSolver) lastSubmissionExists() bool {
	for _, c := range s.calls {
		if len(c.factors) > 0 || len(c.values) > 0 || len(c.removed) > 0 {
			return true
		}
	}
	return false
}

// lastSubmission returns the most recent update call that carried factors,
// values or removals, skipping the forced passes after it.
func (s *fakeSolver) lastSubmission(t *testing.T) updateCall {
	t.Helper()
	for i := len(s.calls) - 1; i >= 0; i-- {
		c := s.calls[i]
		if len(c.factors) > 0 || len(c.values) > 0 || len(c.removed) > 0 {
			return c
		}
	}
	t.Fatal("no submission recorded")
	return updateCall{}
}

type fakeMatcher struct {
	result    spatialmath.Pose
	err       error
	calls     int
	lastGuess spatialmath.Pose

	lastMovingSize, lastFixedSize int
}

func (m *fakeMatcher) Compute(moving, fixed pointcloud.PointCloud, guess spatialmath.Pose) (spatialmath.Pose, error) {
	m.calls++
	m.lastGuess = guess
	m.lastMovingSize = moving.Size()
	m.lastFixedSize = fixed.Size()
	if m.err != nil {
		return spatialmath.Pose{}, m.err
	}
	return m.result, nil
}

func feedTrack(t *testing.T, e *IncrementalEstimator, trackID int, startNs int64, xs ...float64) {
	t.Helper()
	for i, x := range xs {
		ts := startNs + int64(i)*100
		err := e.ProcessPoseAndScan(trackID, trajectory.TimestampedPose{TimeNs: ts, Pose: poseAt(x)}, nil)
		test.That(t, err, test.ShouldBeNil)
	}
}

func TestNewValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)

	cfg := testConfig(0)
	_, err := New(cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "num_workers")

	cfg = testConfig(2)
	cfg.LoopClosureNoiseSigmas = []float64{1}
	_, err = New(cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)

	e, err := New(testConfig(3), logger)
	test.That(t, err, test.ShouldBeNil)

	// Track 0 is the permanent world anchor, the rest hand their priors
	// off.
	track0, err := e.GetTrack(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, track0.AnchorRole(), test.ShouldEqual, trajectory.AnchorPermanent)
	for id := 1; id < 3; id++ {
		track, err := e.GetTrack(id)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, track.AnchorRole(), test.ShouldEqual, trajectory.AnchorHandOff)
		test.That(t, track.ID(), test.ShouldEqual, id)
	}

	_, err = e.GetTrack(3)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "out of range")
	_, err = e.GetTrack(-1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEstimateRunsForcedPasses(t *testing.T) {
	logger := golog.NewTestLogger(t)
	e, err := New(testConfig(1), logger)
	test.That(t, err, test.ShouldBeNil)
	solver := newFakeSolver()
	e.solver = solver

	k := posegraph.NewKey(0, 0)
	noise, err := posegraph.NewDiagonalNoise([]float64{1, 1, 1, 1, 1, 1})
	test.That(t, err, test.ShouldBeNil)
	g := posegraph.NewGraph()
	g.Add(posegraph.NewExpressionFactor(noise, poseAt(0), posegraph.Leaf(k)))

	solution, err := e.Estimate(g, posegraph.Values{k: poseAt(0)})
	test.That(t, err, test.ShouldBeNil)
	_, ok := solution.At(k)
	test.That(t, ok, test.ShouldBeTrue)

	// One submission followed by exactly two forced re-optimization
	// passes.
	test.That(t, solver.calls, test.ShouldHaveLength, 3)
	test.That(t, solver.calls[0].factors, test.ShouldHaveLength, 1)
	for _, c := range solver.calls[1:] {
		test.That(t, c.factors, test.ShouldBeEmpty)
		test.That(t, c.values, test.ShouldBeEmpty)
		test.That(t, c.removed, test.ShouldBeEmpty)
	}
}

func TestPriorHandOffLifecycle(t *testing.T) {
	logger := golog.NewTestLogger(t)
	e, err := New(testConfig(2), logger)
	test.That(t, err, test.ShouldBeNil)
	solver := newFakeSolver()
	e.solver = solver

	noise, err := posegraph.NewDiagonalNoise([]float64{1, 1, 1, 1, 1, 1})
	test.That(t, err, test.ShouldBeNil)
	priorGraph := func(k posegraph.Key) (*posegraph.Graph, posegraph.Values) {
		g := posegraph.NewGraph()
		g.Add(posegraph.NewExpressionFactor(noise, poseAt(0), posegraph.Leaf(k)))
		return g, posegraph.Values{k: poseAt(0)}
	}

	// Removal with nothing recorded is a no-op, not a failure.
	_, err = e.EstimateAndRemove(nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, solver.lastSubmissionExists(), test.ShouldBeFalse)
	test.That(t, e.priorToRemove, test.ShouldEqual, noPriorRecorded)

	// A permanent-anchor prior is never recorded for removal.
	g, v := priorGraph(posegraph.NewKey(0, 0))
	_, err = e.RegisterPrior(g, v, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, e.priorToRemove, test.ShouldEqual, noPriorRecorded)

	// A hand-off prior is recorded under its assigned factor index.
	g, v = priorGraph(posegraph.NewKey(1, 0))
	_, err = e.RegisterPrior(g, v, 1)
	test.That(t, err, test.ShouldBeNil)
	recorded := e.priorToRemove
	test.That(t, recorded, test.ShouldNotEqual, noPriorRecorded)

	// The next removing update retracts exactly that index and consumes
	// the slot.
	_, err = e.EstimateAndRemove(nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, solver.lastSubmission(t).removed, test.ShouldResemble, []int{recorded})
	test.That(t, e.priorToRemove, test.ShouldEqual, noPriorRecorded)

	// Consumed means consumed: a further removal is a no-op again.
	before := len(solver.calls)
	_, err = e.EstimateAndRemove(nil, nil)
	test.That(t, err, test.ShouldBeNil)
	for _, c := range solver.calls[before:] {
		test.That(t, c.removed, test.ShouldBeEmpty)
	}
}

func TestRegisterPriorRequiresSingleFactor(t *testing.T) {
	logger := golog.NewTestLogger(t)
	e, err := New(testConfig(2), logger)
	test.That(t, err, test.ShouldBeNil)

	noise, err := posegraph.NewDiagonalNoise([]float64{1, 1, 1, 1, 1, 1})
	test.That(t, err, test.ShouldBeNil)

	k0 := posegraph.NewKey(1, 0)
	k1 := posegraph.NewKey(1, 1)
	g := posegraph.NewGraph()
	g.Add(posegraph.NewExpressionFactor(noise, poseAt(0), posegraph.Leaf(k0)))
	g.Add(posegraph.NewExpressionFactor(noise, poseAt(1), posegraph.Leaf(k1)))

	_, err = e.RegisterPrior(g, posegraph.Values{k0: poseAt(0), k1: poseAt(1)}, 1)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "exactly one new factor index")

	_, err = e.RegisterPrior(posegraph.NewGraph(), nil, 1)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = e.RegisterPrior(nil, nil, 7)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "out of range")
}

func TestProcessLoopClosureValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	e, err := New(testConfig(3), logger)
	test.That(t, err, test.ShouldBeNil)
	feedTrack(t, e, 0, 1000, 0, 1, 2)
	feedTrack(t, e, 1, 5000, 0, 1, 2)

	countBefore := len(e.solver.CalculateEstimate())

	for _, tc := range []struct {
		name string
		lc   trajectory.RelativePose
		msg  string
	}{
		{
			"reversed times",
			trajectory.RelativePose{TrackIDA: 0, TrackIDB: 1, TimeANs: 5100, TimeBNs: 1100, Transform: poseAt(0)},
			"must strictly precede",
		},
		{
			"equal times",
			trajectory.RelativePose{TrackIDA: 0, TrackIDB: 1, TimeANs: 1100, TimeBNs: 1100, Transform: poseAt(0)},
			"must strictly precede",
		},
		{
			"track a out of range",
			trajectory.RelativePose{TrackIDA: 9, TrackIDB: 1, TimeANs: 1000, TimeBNs: 5000, Transform: poseAt(0)},
			"out of range",
		},
		{
			"track b out of range",
			trajectory.RelativePose{TrackIDA: 0, TrackIDB: -2, TimeANs: 1000, TimeBNs: 5000, Transform: poseAt(0)},
			"out of range",
		},
		{
			"time before track a",
			trajectory.RelativePose{TrackIDA: 0, TrackIDB: 1, TimeANs: 500, TimeBNs: 5100, Transform: poseAt(0)},
			"outside track 0 bounds",
		},
		{
			"time after track b",
			trajectory.RelativePose{TrackIDA: 0, TrackIDB: 1, TimeANs: 1100, TimeBNs: 9000, Transform: poseAt(0)},
			"outside track 1 bounds",
		},
		{
			"empty track",
			trajectory.RelativePose{TrackIDA: 0, TrackIDB: 2, TimeANs: 1100, TimeBNs: 6000, Transform: poseAt(0)},
			"has no poses",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := e.ProcessLoopClosure(tc.lc)
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.msg)
		})
	}

	// Rejected closures leave the shared state untouched.
	test.That(t, len(e.solver.CalculateEstimate()), test.ShouldEqual, countBefore)
	test.That(t, e.priorToRemove, test.ShouldNotEqual, noPriorRecorded)
}

func TestProcessLoopClosureEndToEnd(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cfg := testConfig(2)
	// Make the closure constraint dominate the drifted odometry.
	cfg.LoopClosureNoiseSigmas = []float64{0.01, 0.01, 0.01, 0.001, 0.001, 0.001}
	cfg.MEstimatorOnLoopClosures = false
	e, err := New(cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	// Track 0 walks the truth; track 1 covers the same corridor but its
	// odometry overshoots by 20% per step.
	feedTrack(t, e, 0, 1000, 0, 1, 2)
	feedTrack(t, e, 1, 5000, 0, 1.2, 2.4)
	test.That(t, e.priorToRemove, test.ShouldNotEqual, noPriorRecorded)

	// In truth, track 1's last pose sits half a unit past track 0's.
	lc := trajectory.RelativePose{
		TrackIDA:  0,
		TrackIDB:  1,
		TimeANs:   1200,
		TimeBNs:   5200,
		Transform: poseAt(0.5),
	}
	test.That(t, e.ProcessLoopClosure(lc), test.ShouldBeNil)

	// The hand-off prior was consumed by the closure.
	test.That(t, e.priorToRemove, test.ShouldEqual, noPriorRecorded)

	// Track 1 absorbed the corrected solution: its end snapped from the
	// drifted 2.4 to the closure-consistent 2.5.
	track1, err := e.GetTrack(1)
	test.That(t, err, test.ShouldBeNil)
	end, err := track1.PoseAtTime(5200)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, end.Point().X, test.ShouldAlmostEqual, 2.5, 0.05)
	test.That(t, end.Point().Y, test.ShouldAlmostEqual, 0, 0.05)

	// The anchored track stayed put.
	track0, err := e.GetTrack(0)
	test.That(t, err, test.ShouldBeNil)
	end0, err := track0.PoseAtTime(1200)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, end0.Point().X, test.ShouldAlmostEqual, 2, 0.05)
}

func TestLoopClosureRefinementStored(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cfg := testConfig(2)
	cfg.ICPOnLoopClosures = true
	cfg.SubMapRadiusScans = 1
	e, err := New(cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	matcher := &fakeMatcher{result: poseAt(0.42)}
	e.matcher = matcher
	solver := newFakeSolver()

	for trackID, startNs := range map[int]int64{0: 1000, 1: 5000} {
		for i := 0; i < 3; i++ {
			ts := startNs + int64(i)*100
			err := e.ProcessPoseAndScan(trackID,
				trajectory.TimestampedPose{TimeNs: ts, Pose: poseAt(float64(i))},
				scanWith(ts, r3.Vector{X: 0.5}),
			)
			test.That(t, err, test.ShouldBeNil)
		}
	}
	e.solver = solver

	raw := poseAt(0.5)
	lc := trajectory.RelativePose{TrackIDA: 0, TrackIDB: 1, TimeANs: 1100, TimeBNs: 5100, Transform: raw}
	test.That(t, e.ProcessLoopClosure(lc), test.ShouldBeNil)

	// The matcher got the raw transform as its guess and sub-maps around
	// both endpoints.
	test.That(t, matcher.calls, test.ShouldEqual, 1)
	test.That(t, spatialmath.PoseAlmostEqual(matcher.lastGuess, raw, 1e-10), test.ShouldBeTrue)
	test.That(t, matcher.lastMovingSize, test.ShouldEqual, 3)
	test.That(t, matcher.lastFixedSize, test.ShouldEqual, 3)

	// The constraint that reached the solver carries the refined
	// transform, not the raw one.
	sub := solver.lastSubmission(t)
	test.That(t, sub.factors, test.ShouldHaveLength, 1)
	test.That(t, spatialmath.PoseAlmostEqual(sub.factors[0].Measured(), matcher.result, 1e-10), test.ShouldBeTrue)
}

func TestLoopClosureRefinementFallback(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	cfg := testConfig(2)
	cfg.ICPOnLoopClosures = true
	e, err := New(cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	matcher := &fakeMatcher{err: errors.New("degenerate geometry")}
	e.matcher = matcher
	solver := newFakeSolver()

	for trackID, startNs := range map[int]int64{0: 1000, 1: 5000} {
		for i := 0; i < 3; i++ {
			ts := startNs + int64(i)*100
			err := e.ProcessPoseAndScan(trackID,
				trajectory.TimestampedPose{TimeNs: ts, Pose: poseAt(float64(i))},
				scanWith(ts, r3.Vector{X: 0.5}),
			)
			test.That(t, err, test.ShouldBeNil)
		}
	}
	e.solver = solver

	raw := poseAt(0.5)
	lc := trajectory.RelativePose{TrackIDA: 0, TrackIDB: 1, TimeANs: 1100, TimeBNs: 5100, Transform: raw}
	test.That(t, e.ProcessLoopClosure(lc), test.ShouldBeNil)

	// The failure was logged as a warning and the unrefined transform
	// went in regardless.
	test.That(t, logs.FilterLevelExact(zapcore.WarnLevel).
		FilterMessageSnippet("refinement failed").Len(), test.ShouldEqual, 1)
	sub := solver.lastSubmission(t)
	test.That(t, sub.factors, test.ShouldHaveLength, 1)
	test.That(t, spatialmath.PoseAlmostEqual(sub.factors[0].Measured(), raw, 1e-10), test.ShouldBeTrue)
}

func TestNewWithMissingICPDescriptor(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	cfg := testConfig(1)
	cfg.ICPOnLoopClosures = true
	cfg.ICPConfigPath = "/nonexistent/icp.json5"

	// A missing descriptor degrades to defaults, it does not fail
	// construction.
	e, err := New(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, logs.FilterMessageSnippet("default registration configuration").Len(), test.ShouldEqual, 1)
	feedTrack(t, e, 0, 1000, 0, 1)
}

func TestProcessPoseAndScanErrors(t *testing.T) {
	logger := golog.NewTestLogger(t)
	e, err := New(testConfig(1), logger)
	test.That(t, err, test.ShouldBeNil)

	err = e.ProcessPoseAndScan(5, trajectory.TimestampedPose{TimeNs: 100, Pose: poseAt(0)}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "out of range")

	feedTrack(t, e, 0, 1000, 0, 1)
	err = e.ProcessPoseAndScan(0, trajectory.TimestampedPose{TimeNs: 1000, Pose: poseAt(2)}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "does not advance")
}

func TestConcurrentDisjointClosures(t *testing.T) {
	logger := golog.NewTestLogger(t)
	cfg := testConfig(4)
	cfg.LoopClosureNoiseSigmas = []float64{0.01, 0.01, 0.01, 0.001, 0.001, 0.001}
	cfg.MEstimatorOnLoopClosures = false
	e, err := New(cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	for trackID := 0; trackID < 4; trackID++ {
		feedTrack(t, e, trackID, int64(1000*(trackID+1)), 0, 1, 2)
	}

	// Two closures over disjoint track pairs, racing for the one lock.
	closures := []trajectory.RelativePose{
		{TrackIDA: 0, TrackIDB: 1, TimeANs: 1200, TimeBNs: 2200, Transform: poseAt(0)},
		{TrackIDA: 2, TrackIDB: 3, TimeANs: 3200, TimeBNs: 4200, Transform: poseAt(0)},
	}
	errs := make(chan error, len(closures))
	for _, lc := range closures {
		goutils.PanicCapturingGo(func() {
			errs <- e.ProcessLoopClosure(lc)
		})
	}
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, len(errs), test.ShouldEqual, len(closures))
	})
	for range closures {
		test.That(t, <-errs, test.ShouldBeNil)
	}

	// Both constraints took effect: each closure's B track end coincides
	// with its A track end.
	for _, pair := range [][2]int{{0, 1}, {2, 3}} {
		trackA, err := e.GetTrack(pair[0])
		test.That(t, err, test.ShouldBeNil)
		trackB, err := e.GetTrack(pair[1])
		test.That(t, err, test.ShouldBeNil)
		endA, err := trackA.PoseAtTime(int64(1000*(pair[0]+1)) + 200)
		test.That(t, err, test.ShouldBeNil)
		endB, err := trackB.PoseAtTime(int64(1000*(pair[1]+1)) + 200)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, endB.Point().Sub(endA.Point()).Norm(), test.ShouldBeLessThan, 0.1)
	}
}
