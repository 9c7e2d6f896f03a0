package posegraph

import (
	"github.com/pkg/errors"

	"go.viam.com/laserslam/spatialmath"
)

// Expression is a lazily evaluated pose-valued function of graph variables.
// Factors hold expressions rather than evaluated poses so that the solver can
// re-evaluate them against the current values on every iteration.
type Expression interface {
	// Evaluate computes the pose of the expression under the given values.
	Evaluate(v Values) (spatialmath.Pose, error)

	// Keys returns the distinct variable keys the expression depends on,
	// in first-appearance order.
	Keys() []Key
}

type leafExpr struct {
	key Key
}

// Leaf returns the expression that evaluates to the variable with the given
// key.
func Leaf(k Key) Expression {
	return leafExpr{key: k}
}

func (e leafExpr) Evaluate(v Values) (spatialmath.Pose, error) {
	p, ok := v.At(e.key)
	if !ok {
		return spatialmath.Pose{}, errors.Errorf("no value for key %s", e.key)
	}
	return p, nil
}

func (e leafExpr) Keys() []Key {
	return []Key{e.key}
}

type inverseExpr struct {
	arg Expression
}

// Inverse returns the expression evaluating to the inverse of its argument.
func Inverse(arg Expression) Expression {
	return inverseExpr{arg: arg}
}

func (e inverseExpr) Evaluate(v Values) (spatialmath.Pose, error) {
	p, err := e.arg.Evaluate(v)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	return spatialmath.Inverse(p), nil
}

func (e inverseExpr) Keys() []Key {
	return e.arg.Keys()
}

type composeExpr struct {
	a, b Expression
}

// Compose returns the expression evaluating to the composition a * b.
func Compose(a, b Expression) Expression {
	return composeExpr{a: a, b: b}
}

func (e composeExpr) Evaluate(v Values) (spatialmath.Pose, error) {
	pa, err := e.a.Evaluate(v)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	pb, err := e.b.Evaluate(v)
	if err != nil {
		return spatialmath.Pose{}, err
	}
	return spatialmath.Compose(pa, pb), nil
}

func (e composeExpr) Keys() []Key {
	keys := e.a.Keys()
	seen := make(map[Key]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for _, k := range e.b.Keys() {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// BetweenExpression returns the expression for the relative pose of b in the
// frame of a, the standard form of odometry and loop closure constraints.
func BetweenExpression(a, b Key) Expression {
	return Compose(Inverse(Leaf(a)), Leaf(b))
}
