package posegraph

import (
	"fmt"
	"sort"

	"go.viam.com/laserslam/spatialmath"
)

// Key is a symbolic handle to a pose variable, packing the owning track ID
// and the node index within that track.
type Key uint64

// NewKey returns the key for the given track and node index.
func NewKey(track, index uint32) Key {
	return Key(uint64(track)<<32 | uint64(index))
}

// Track returns the track ID component of the key.
func (k Key) Track() uint32 {
	return uint32(k >> 32)
}

// Index returns the node index component of the key.
func (k Key) Index() uint32 {
	return uint32(k)
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("x%d/%d", k.Track(), k.Index())
}

// Values maps pose variable keys to their current poses.
type Values map[Key]spatialmath.Pose

// At returns the pose stored for the key, if any.
func (v Values) At(k Key) (spatialmath.Pose, bool) {
	p, ok := v[k]
	return p, ok
}

// Copy returns a deep copy of the values.
func (v Values) Copy() Values {
	out := make(Values, len(v))
	for k, p := range v {
		out[k] = p
	}
	return out
}

// SortedKeys returns the keys in ascending order.
func (v Values) SortedKeys() []Key {
	keys := make([]Key, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
