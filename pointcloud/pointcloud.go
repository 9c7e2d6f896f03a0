// Package pointcloud defines the XYZ point cloud representation used by scan
// storage, sub-map construction and registration, along with nearest neighbor
// lookup and PCD serialization.
package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"

	"go.viam.com/laserslam/spatialmath"
)

// MetaData tracks the axis-aligned bounds of a cloud as points are added.
type MetaData struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// NewMetaData returns metadata representing an empty cloud.
func NewMetaData() MetaData {
	return MetaData{
		MinX: math.MaxFloat64, MaxX: -math.MaxFloat64,
		MinY: math.MaxFloat64, MaxY: -math.MaxFloat64,
		MinZ: math.MaxFloat64, MaxZ: -math.MaxFloat64,
	}
}

// Merge updates the bounds to include the given point.
func (meta *MetaData) Merge(p r3.Vector) {
	meta.MinX = math.Min(meta.MinX, p.X)
	meta.MaxX = math.Max(meta.MaxX, p.X)
	meta.MinY = math.Min(meta.MinY, p.Y)
	meta.MaxY = math.Max(meta.MaxY, p.Y)
	meta.MinZ = math.Min(meta.MinZ, p.Z)
	meta.MaxZ = math.Max(meta.MaxZ, p.Z)
}

// PointCloud is a set of points in 3D space.
type PointCloud interface {
	// Size returns the number of points in the cloud.
	Size() int

	// MetaData returns the bounds of the cloud.
	MetaData() MetaData

	// Add appends a point to the cloud.
	Add(p r3.Vector)

	// Iterate visits each point in insertion order until fn returns false.
	Iterate(fn func(p r3.Vector) bool)
}

type basicPointCloud struct {
	points []r3.Vector
	meta   MetaData
}

// New returns an empty in-memory point cloud.
func New() PointCloud {
	return &basicPointCloud{meta: NewMetaData()}
}

// NewWithPrealloc returns an empty cloud with capacity for n points.
func NewWithPrealloc(n int) PointCloud {
	return &basicPointCloud{points: make([]r3.Vector, 0, n), meta: NewMetaData()}
}

func (cloud *basicPointCloud) Size() int {
	return len(cloud.points)
}

func (cloud *basicPointCloud) MetaData() MetaData {
	return cloud.meta
}

func (cloud *basicPointCloud) Add(p r3.Vector) {
	cloud.points = append(cloud.points, p)
	cloud.meta.Merge(p)
}

func (cloud *basicPointCloud) Iterate(fn func(p r3.Vector) bool) {
	for _, p := range cloud.points {
		if !fn(p) {
			return
		}
	}
}

// Transform returns a new cloud with every point of the input rigidly
// transformed by the given pose.
func Transform(cloud PointCloud, pose spatialmath.Pose) PointCloud {
	out := NewWithPrealloc(cloud.Size())
	cloud.Iterate(func(p r3.Vector) bool {
		out.Add(pose.TransformPoint(p))
		return true
	})
	return out
}

// MergeInto appends every point of src into dst.
func MergeInto(dst, src PointCloud) {
	src.Iterate(func(p r3.Vector) bool {
		dst.Add(p)
		return true
	})
}
