// Package main simulates a small fleet of mapping workers circling a shared
// world with drifty odometry, feeds their poses, scans and loop closures to
// the incremental estimator, and reports how much of the drift the closures
// recover. It can dump the merged map as an ascii PCD for inspection.
package main

import (
	"context"
	"math"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/laserslam/estimation"
	"go.viam.com/laserslam/pointcloud"
	"go.viam.com/laserslam/spatialmath"
	"go.viam.com/laserslam/trajectory"
)

const (
	pathRadius       = 5.0
	worldOuterRadius = 10.0
	worldInnerRadius = 2.0
	worldSpacing     = 0.25
	scanRange        = 6.0
)

var logger = golog.NewDevelopmentLogger("lasersim")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	Workers  int    `flag:"workers,default=2,usage=number of mapping workers"`
	Steps    int    `flag:"steps,default=40,usage=poses per worker"`
	Closures int    `flag:"closures,default=2,usage=loop closures per worker pair"`
	ICP      bool   `flag:"icp,usage=refine loop closures against sub-maps"`
	Out      string `flag:"out,usage=write the merged map to this path as ascii pcd"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.Workers < 1 {
		return errors.New("need at least one worker")
	}
	if argsParsed.Steps < 2 {
		return errors.New("need at least two steps per worker")
	}
	return runSimulation(ctx, argsParsed, logger)
}

func runSimulation(ctx context.Context, args Arguments, logger golog.Logger) error {
	cfg := estimation.DefaultConfig()
	cfg.NumWorkers = args.Workers
	cfg.ICPOnLoopClosures = args.ICP
	estimator, err := estimation.New(cfg, logger)
	if err != nil {
		return err
	}

	world := buildWorld()
	workers := make([]*simWorker, args.Workers)
	for i := range workers {
		workers[i] = newSimWorker(i, args.Workers, args.Steps)
	}

	for step := 0; step < args.Steps; step++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, w := range workers {
			p, scan := w.advance(step, world)
			if err := estimator.ProcessPoseAndScan(w.id, p, scan); err != nil {
				return errors.Wrapf(err, "worker %d step %d", w.id, step)
			}
		}
	}
	logger.Infow("odometry fed", "workers", args.Workers, "poses_per_worker", args.Steps)
	logDriftReport(estimator, workers, logger, "before closures")

	closures := planClosures(workers, args.Closures)
	for _, lc := range closures {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := estimator.ProcessLoopClosure(lc); err != nil {
			logger.Errorw("loop closure rejected",
				"track_a", lc.TrackIDA,
				"track_b", lc.TrackIDB,
				"error", err,
			)
		}
	}
	logger.Infow("loop closures processed", "count", len(closures))
	logDriftReport(estimator, workers, logger, "after closures")

	if args.Out != "" {
		if err := writeMergedMap(estimator, workers, args.Out); err != nil {
			return err
		}
		logger.Infow("wrote merged map", "path", args.Out)
	}
	return nil
}

// simWorker walks the shared circular corridor, reporting odometry whose
// heading drifts by a fixed bias per step while its scans come from the true
// pose. Worker 0 is drift free so the permanently anchored track doubles as
// ground truth.
type simWorker struct {
	id        int
	phase     float64
	stepAngle float64
	yawBias   float64

	odom  spatialmath.Pose
	times []int64
	truth []spatialmath.Pose
	scans []*trajectory.LaserScan
}

func newSimWorker(id, workers, steps int) *simWorker {
	return &simWorker{
		id:        id,
		phase:     2 * math.Pi * float64(id) / float64(workers),
		stepAngle: 2 * math.Pi / float64(steps),
		yawBias:   0.004 * float64(id),
	}
}

func (w *simWorker) truePoseAt(step int) spatialmath.Pose {
	a := w.phase + float64(step)*w.stepAngle
	pos := r3.Vector{X: pathRadius * math.Cos(a), Y: pathRadius * math.Sin(a)}
	return spatialmath.NewPoseFromAxisAngle(pos, r3.Vector{Z: a + math.Pi/2})
}

func (w *simWorker) advance(step int, world []r3.Vector) (trajectory.TimestampedPose, *trajectory.LaserScan) {
	truth := w.truePoseAt(step)
	if step == 0 {
		w.odom = truth
	} else {
		rel := spatialmath.Compose(spatialmath.Inverse(w.truePoseAt(step-1)), truth)
		drift := spatialmath.NewPoseFromAxisAngle(r3.Vector{}, r3.Vector{Z: w.yawBias})
		w.odom = spatialmath.Compose(w.odom, spatialmath.Compose(rel, drift))
	}

	// Distinct per-worker offsets keep cross-track timestamps strictly
	// ordered by step.
	timeNs := int64(step)*int64(time.Second) + int64(w.id+1)
	scan := sampleScan(world, truth, timeNs)
	w.times = append(w.times, timeNs)
	w.truth = append(w.truth, truth)
	w.scans = append(w.scans, scan)
	return trajectory.TimestampedPose{TimeNs: timeNs, Pose: w.odom}, scan
}

func buildWorld() []r3.Vector {
	var pts []r3.Vector
	for _, radius := range []float64{worldOuterRadius, worldInnerRadius} {
		n := int(2 * math.Pi * radius / worldSpacing)
		for i := 0; i < n; i++ {
			a := 2 * math.Pi * float64(i) / float64(n)
			for _, z := range []float64{0, 1} {
				pts = append(pts, r3.Vector{X: radius * math.Cos(a), Y: radius * math.Sin(a), Z: z})
			}
		}
	}
	return pts
}

func sampleScan(world []r3.Vector, p spatialmath.Pose, timeNs int64) *trajectory.LaserScan {
	cloud := pointcloud.New()
	inv := spatialmath.Inverse(p)
	pos := p.Point()
	for _, wp := range world {
		if wp.Sub(pos).Norm() > scanRange {
			continue
		}
		cloud.Add(inv.TransformPoint(wp))
	}
	return &trajectory.LaserScan{TimeNs: timeNs, Cloud: cloud}
}

// planClosures pairs up steps where two workers truly stood at the same spot
// and emits the true relative transform for an evenly spaced sample of them,
// the earlier timestamp taking the A side.
func planClosures(workers []*simWorker, perPair int) []trajectory.RelativePose {
	if perPair < 1 {
		return nil
	}
	var closures []trajectory.RelativePose
	for ai := 0; ai < len(workers); ai++ {
		for bi := ai + 1; bi < len(workers); bi++ {
			a, b := workers[ai], workers[bi]
			tol := 0.45 * pathRadius * a.stepAngle
			type meeting struct{ i, j int }
			var meetings []meeting
			for i := range a.truth {
				for j := range b.truth {
					if a.truth[i].Point().Sub(b.truth[j].Point()).Norm() < tol {
						meetings = append(meetings, meeting{i, j})
					}
				}
			}
			if len(meetings) == 0 {
				continue
			}
			stride := len(meetings) / perPair
			if stride < 1 {
				stride = 1
			}
			for n, picked := 0, 0; n < len(meetings) && picked < perPair; n += stride {
				m := meetings[n]
				first, second := a, b
				fi, si := m.i, m.j
				if b.times[m.j] < a.times[m.i] {
					first, second = b, a
					fi, si = m.j, m.i
				}
				closures = append(closures, trajectory.RelativePose{
					TrackIDA:  first.id,
					TrackIDB:  second.id,
					TimeANs:   first.times[fi],
					TimeBNs:   second.times[si],
					Transform: spatialmath.Compose(spatialmath.Inverse(first.truth[fi]), second.truth[si]),
				})
				picked++
			}
		}
	}
	return closures
}

func logDriftReport(estimator *estimation.IncrementalEstimator, workers []*simWorker, logger golog.Logger, stage string) {
	for _, w := range workers {
		track, err := estimator.GetTrack(w.id)
		if err != nil {
			logger.Errorw("missing track", "worker", w.id, "error", err)
			continue
		}
		var sumSq, finalErr float64
		for i, ts := range w.times {
			est, err := track.PoseAtTime(ts)
			if err != nil {
				logger.Errorw("missing pose", "worker", w.id, "time_ns", ts, "error", err)
				continue
			}
			d := est.Point().Sub(w.truth[i].Point()).Norm()
			sumSq += d * d
			finalErr = d
		}
		logger.Infow("trajectory error "+stage,
			"worker", w.id,
			"rms_m", math.Sqrt(sumSq/float64(len(w.times))),
			"final_m", finalErr,
		)
	}
}

func writeMergedMap(estimator *estimation.IncrementalEstimator, workers []*simWorker, path string) (err error) {
	merged := pointcloud.New()
	for _, w := range workers {
		track, err := estimator.GetTrack(w.id)
		if err != nil {
			return err
		}
		for i, scan := range w.scans {
			pose, err := track.PoseAtTime(w.times[i])
			if err != nil {
				return err
			}
			pointcloud.MergeInto(merged, pointcloud.Transform(scan.Cloud, pose))
		}
	}

	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return pointcloud.ToPCD(merged, f)
}
