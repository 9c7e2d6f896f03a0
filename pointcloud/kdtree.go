package pointcloud

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// KDTree is an immutable nearest neighbor index over the points of a cloud.
type KDTree struct {
	tree *kdtree.Tree
	size int
}

// ToKDTree builds a k-d tree from the points of the given cloud.
func ToKDTree(cloud PointCloud) *KDTree {
	points := make(kdtree.Points, 0, cloud.Size())
	cloud.Iterate(func(p r3.Vector) bool {
		points = append(points, kdtree.Point{p.X, p.Y, p.Z})
		return true
	})
	return &KDTree{tree: kdtree.New(points, false), size: len(points)}
}

// Size returns the number of indexed points.
func (kd *KDTree) Size() int {
	return kd.size
}

// Nearest returns the indexed point closest to p together with the squared
// distance to it. An empty tree reports an infinite distance.
func (kd *KDTree) Nearest(p r3.Vector) (r3.Vector, float64) {
	if kd.size == 0 {
		return r3.Vector{}, math.Inf(1)
	}
	got, distSq := kd.tree.Nearest(kdtree.Point{p.X, p.Y, p.Z})
	q := got.(kdtree.Point)
	return r3.Vector{X: q[0], Y: q[1], Z: q[2]}, distSq
}
