package trajectory

import (
	"sort"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/laserslam/pointcloud"
	"go.viam.com/laserslam/posegraph"
	"go.viam.com/laserslam/registration"
	"go.viam.com/laserslam/spatialmath"
)

type node struct {
	timeNs int64
	key    posegraph.Key

	// pose is the current estimate, overwritten on every absorb.
	pose spatialmath.Pose

	// odom is the raw odometry pose as received, used to form relative
	// constraints independently of later corrections.
	odom spatialmath.Pose
}

// LaserTrack is the append-only pose history of one worker. It produces the
// factors and initial values each new pose contributes to the shared graph
// and absorbs solutions back after coordinated updates. All methods are safe
// for concurrent use.
type LaserTrack struct {
	mu      sync.Mutex
	id      int
	role    AnchorRole
	cfg     Config
	logger  golog.Logger
	matcher registration.Matcher

	nodes []node
	// scans is aligned with nodes; entries are nil for poses that carried
	// no scan.
	scans []*LaserScan

	priorNoise posegraph.NoiseModel
	odomNoise  posegraph.NoiseModel
	icpNoise   posegraph.NoiseModel
}

// NewLaserTrack returns an empty track with the given ID and anchoring role.
func NewLaserTrack(cfg Config, id int, role AnchorRole, logger golog.Logger) (*LaserTrack, error) {
	if id < 0 {
		return nil, errors.Errorf("track id must be non-negative, got %d", id)
	}
	priorNoise, err := posegraph.NewDiagonalNoise(cfg.PriorNoiseSigmas)
	if err != nil {
		return nil, errors.Wrap(err, "invalid prior noise")
	}
	odomNoise, err := posegraph.NewDiagonalNoise(cfg.OdometryNoiseSigmas)
	if err != nil {
		return nil, errors.Wrap(err, "invalid odometry noise")
	}
	if cfg.MEstimatorOnOdometry {
		if odomNoise, err = posegraph.NewCauchyNoise(1, odomNoise); err != nil {
			return nil, err
		}
	}
	icpNoise, err := posegraph.NewDiagonalNoise(cfg.ICPNoiseSigmas)
	if err != nil {
		return nil, errors.Wrap(err, "invalid icp noise")
	}
	if cfg.MEstimatorOnICP {
		if icpNoise, err = posegraph.NewCauchyNoise(1, icpNoise); err != nil {
			return nil, err
		}
	}
	return &LaserTrack{
		id:         id,
		role:       role,
		cfg:        cfg,
		logger:     logger,
		priorNoise: priorNoise,
		odomNoise:  odomNoise,
		icpNoise:   icpNoise,
	}, nil
}

// ID returns the track's ID.
func (t *LaserTrack) ID() int {
	return t.id
}

// AnchorRole returns the track's anchoring role.
func (t *LaserTrack) AnchorRole() AnchorRole {
	return t.role
}

// SetMatcher installs the matcher used for scan-to-scan odometry refinement.
// It only takes effect when the track is configured to use ICP factors.
func (t *LaserTrack) SetMatcher(m registration.Matcher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.matcher = m
}

// Size returns the number of pose nodes in the track.
func (t *LaserTrack) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// TimeBounds returns the closed time interval the track covers. ok is false
// while the track is empty.
func (t *LaserTrack) TimeBounds() (minNs, maxNs int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.nodes) == 0 {
		return 0, 0, false
	}
	return t.nodes[0].timeNs, t.nodes[len(t.nodes)-1].timeNs, true
}

// ProcessPoseAndScan appends a pose, with an optional scan, to the track and
// returns the factors and initial values it contributes to the graph. The
// first pose yields the track's prior factor and isPrior is true; later
// poses yield a relative constraint from the odometry increment, plus a
// scan-matched constraint when enabled and possible. Pose times must be
// strictly increasing.
func (t *LaserTrack) ProcessPoseAndScan(p TimestampedPose, scan *LaserScan) (
	newFactors *posegraph.Graph, newValues posegraph.Values, isPrior bool, err error,
) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.nodes) > 0 {
		if last := t.nodes[len(t.nodes)-1].timeNs; p.TimeNs <= last {
			return nil, nil, false, errors.Errorf(
				"pose time %d does not advance track %d past %d", p.TimeNs, t.id, last)
		}
	}

	key := posegraph.NewKey(uint32(t.id), uint32(len(t.nodes)))
	graph := posegraph.NewGraph()
	values := posegraph.Values{}

	if len(t.nodes) == 0 {
		graph.Add(posegraph.NewExpressionFactor(t.priorNoise, p.Pose, posegraph.Leaf(key)))
		values[key] = p.Pose
		t.nodes = append(t.nodes, node{timeNs: p.TimeNs, key: key, pose: p.Pose, odom: p.Pose})
		t.scans = append(t.scans, scan)
		return graph, values, true, nil
	}

	prev := t.nodes[len(t.nodes)-1]
	rel := spatialmath.Compose(spatialmath.Inverse(prev.odom), p.Pose)
	graph.Add(posegraph.NewExpressionFactor(t.odomNoise, rel, posegraph.BetweenExpression(prev.key, key)))

	if t.cfg.UseICPFactors && t.matcher != nil && scan != nil {
		if prevScan := t.scans[len(t.scans)-1]; prevScan != nil {
			refined, err := t.matcher.Compute(scan.Cloud, prevScan.Cloud, rel)
			if err != nil {
				t.logger.Warnw("scan matching failed, keeping odometry constraint only",
					"track", t.id,
					"time", p.TimeNs,
					"error", err,
				)
			} else {
				graph.Add(posegraph.NewExpressionFactor(t.icpNoise, refined, posegraph.BetweenExpression(prev.key, key)))
			}
		}
	}

	values[key] = spatialmath.Compose(prev.pose, rel)
	t.nodes = append(t.nodes, node{timeNs: p.TimeNs, key: key, pose: values[key], odom: p.Pose})
	t.scans = append(t.scans, scan)
	return graph, values, false, nil
}

func (t *LaserTrack) nearestNodeLocked(timeNs int64) (int, error) {
	if len(t.nodes) == 0 {
		return 0, errors.Errorf("track %d has no poses", t.id)
	}
	i := sort.Search(len(t.nodes), func(j int) bool { return t.nodes[j].timeNs >= timeNs })
	switch {
	case i == 0:
		return 0, nil
	case i == len(t.nodes):
		return len(t.nodes) - 1, nil
	case timeNs-t.nodes[i-1].timeNs <= t.nodes[i].timeNs-timeNs:
		return i - 1, nil
	default:
		return i, nil
	}
}

// ValueHandle returns the graph key of the node nearest the requested time.
func (t *LaserTrack) ValueHandle(timeNs int64) (posegraph.Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, err := t.nearestNodeLocked(timeNs)
	if err != nil {
		return 0, err
	}
	return t.nodes[i].key, nil
}

// PoseAtTime returns the current estimate of the node nearest the requested
// time.
func (t *LaserTrack) PoseAtTime(timeNs int64) (spatialmath.Pose, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, err := t.nearestNodeLocked(timeNs)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	return t.nodes[i].pose, nil
}

// BuildSubMapAroundTime merges the scans of all nodes within radiusScans
// node indices of the node nearest the requested time. The merged cloud is
// expressed in the local frame of that center node, so registering two
// sub-maps against each other yields a center-to-center relative pose.
func (t *LaserTrack) BuildSubMapAroundTime(timeNs int64, radiusScans int) (pointcloud.PointCloud, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if radiusScans < 0 {
		return nil, errors.Errorf("sub-map radius must be non-negative, got %d", radiusScans)
	}
	center, err := t.nearestNodeLocked(timeNs)
	if err != nil {
		return nil, err
	}

	lo := center - radiusScans
	if lo < 0 {
		lo = 0
	}
	hi := center + radiusScans
	if hi > len(t.nodes)-1 {
		hi = len(t.nodes) - 1
	}

	out := pointcloud.New()
	centerInv := spatialmath.Inverse(t.nodes[center].pose)
	added := 0
	for i := lo; i <= hi; i++ {
		scan := t.scans[i]
		if scan == nil {
			continue
		}
		rel := spatialmath.Compose(centerInv, t.nodes[i].pose)
		pointcloud.MergeInto(out, pointcloud.Transform(scan.Cloud, rel))
		added++
	}
	if added == 0 {
		return nil, errors.Errorf(
			"track %d has no scans within %d nodes of time %d", t.id, radiusScans, timeNs)
	}
	return out, nil
}

// UpdateFromValues overwrites the track's pose estimates with the entries of
// a solution. Keys not present in the solution are left untouched; applying
// the same solution twice is a no-op.
func (t *LaserTrack) UpdateFromValues(v posegraph.Values) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.nodes {
		if p, ok := v.At(t.nodes[i].key); ok {
			t.nodes[i].pose = p
		}
	}
}

// Trajectory returns a snapshot of the track's current pose estimates.
func (t *LaserTrack) Trajectory() Trajectory {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(Trajectory, len(t.nodes))
	for _, n := range t.nodes {
		out[n.timeNs] = n.pose
	}
	return out
}
