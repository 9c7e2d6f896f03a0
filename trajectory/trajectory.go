// Package trajectory tracks the pose history of a single laser SLAM worker:
// timestamped pose nodes with attached scans, the factors they contribute to
// the shared graph, and sub-map construction around points in time.
package trajectory

import (
	"fmt"
	"sort"

	"go.viam.com/laserslam/pointcloud"
	"go.viam.com/laserslam/spatialmath"
)

// TimestampedPose is a world pose observed at a point in time.
type TimestampedPose struct {
	TimeNs int64
	Pose   spatialmath.Pose
}

// LaserScan is a point cloud captured at a point in time, expressed in the
// sensor frame of the pose recorded at that time.
type LaserScan struct {
	TimeNs int64
	Cloud  pointcloud.PointCloud
}

// RelativePose is a loop closure constraint: the pose of track B at time B
// expressed in the frame of track A at time A. Time A must strictly precede
// time B and both must lie within the covered ranges of their tracks.
type RelativePose struct {
	TrackIDA int
	TrackIDB int
	TimeANs  int64
	TimeBNs  int64

	// Transform is the pose of B in the frame of A.
	Transform spatialmath.Pose
}

// Trajectory maps node timestamps to their current pose estimates.
type Trajectory map[int64]spatialmath.Pose

// SortedTimes returns the trajectory's timestamps in ascending order.
func (tr Trajectory) SortedTimes() []int64 {
	times := make([]int64, 0, len(tr))
	for ts := range tr {
		times = append(times, ts)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times
}

// AnchorRole describes how a track's world anchor is managed.
type AnchorRole int

const (
	// AnchorPermanent keeps the track's prior factor for the lifetime of
	// the graph. The first track anchors the shared world frame this way.
	AnchorPermanent AnchorRole = iota

	// AnchorHandOff marks the track's prior as provisional: the
	// coordinator records its factor index and retracts it once a loop
	// closure ties the track to the rest of the graph.
	AnchorHandOff
)

// String implements fmt.Stringer.
func (r AnchorRole) String() string {
	switch r {
	case AnchorPermanent:
		return "permanent"
	case AnchorHandOff:
		return "hand-off"
	default:
		return fmt.Sprintf("AnchorRole(%d)", int(r))
	}
}
