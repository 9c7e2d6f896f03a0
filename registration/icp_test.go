package registration

import (
	"math/rand"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.viam.com/laserslam/pointcloud"
	"go.viam.com/laserslam/spatialmath"
)

func randomCloud(n int, seed int64) pointcloud.PointCloud {
	r := rand.New(rand.NewSource(seed))
	cloud := pointcloud.NewWithPrealloc(n)
	for i := 0; i < n; i++ {
		cloud.Add(r3.Vector{
			X: r.Float64()*4 - 2,
			Y: r.Float64()*4 - 2,
			Z: r.Float64()*4 - 2,
		})
	}
	return cloud
}

func TestICPIdentity(t *testing.T) {
	logger := golog.NewTestLogger(t)
	icp := NewICP(DefaultConfig(), logger)
	fixed := randomCloud(250, 3)

	// Identical clouds with a slightly off guess must come back to the
	// identity.
	guess := spatialmath.Exp([]float64{0.05, -0.04, 0.03, 0.01, 0, -0.02})
	got, err := icp.Compute(fixed, fixed, guess)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(got, spatialmath.NewZeroPose(), 1e-2), test.ShouldBeTrue)
}

func TestICPRecoversOffset(t *testing.T) {
	logger := golog.NewTestLogger(t)
	icp := NewICP(DefaultConfig(), logger)

	trueT := spatialmath.NewPoseFromAxisAngle(
		r3.Vector{X: 0.08, Y: -0.05, Z: 0.03},
		r3.Vector{Z: 0.04},
	)
	fixed := randomCloud(250, 7)
	moving := pointcloud.Transform(fixed, spatialmath.Inverse(trueT))

	got, err := icp.Compute(moving, fixed, spatialmath.NewZeroPose())
	test.That(t, err, test.ShouldBeNil)
	for _, v := range spatialmath.Delta(trueT, got) {
		test.That(t, v, test.ShouldAlmostEqual, 0, 0.02)
	}
}

func TestICPEmptyClouds(t *testing.T) {
	logger := golog.NewTestLogger(t)
	icp := NewICP(DefaultConfig(), logger)

	_, err := icp.Compute(pointcloud.New(), randomCloud(10, 1), spatialmath.NewZeroPose())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot register")

	_, err = icp.Compute(randomCloud(10, 1), pointcloud.New(), spatialmath.NewZeroPose())
	test.That(t, err, test.ShouldNotBeNil)
}
