package posegraph

import (
	"testing"

	"go.viam.com/test"
)

func TestDiagonalNoise(t *testing.T) {
	_, err := NewDiagonalNoise([]float64{1, 2, 3})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "expected 6 noise sigmas")

	_, err = NewDiagonalNoise([]float64{1, 1, 1, 1, 0, 1})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "must be positive")

	noise, err := NewDiagonalNoise([]float64{0.5, 0.5, 0.5, 0.1, 0.1, 0.1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, noise.Dim(), test.ShouldEqual, 6)

	r := []float64{1, 2, 3, 0.1, 0.2, 0.3}
	e := noise.Whiten(r)
	test.That(t, e[0], test.ShouldAlmostEqual, 2)
	test.That(t, e[2], test.ShouldAlmostEqual, 6)
	test.That(t, e[3], test.ShouldAlmostEqual, 1)
	test.That(t, e[5], test.ShouldAlmostEqual, 3)

	// Gaussian weights do not depend on the residual.
	w1 := noise.Weights(r)
	w2 := noise.Weights([]float64{100, 0, 0, 0, 0, 0})
	test.That(t, w1, test.ShouldResemble, w2)
}

func TestCauchyNoise(t *testing.T) {
	base, err := NewDiagonalNoise([]float64{1, 1, 1, 1, 1, 1})
	test.That(t, err, test.ShouldBeNil)

	_, err = NewCauchyNoise(0, base)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "must be positive")

	robust, err := NewCauchyNoise(1, base)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, robust.Dim(), test.ShouldEqual, 6)

	// A tiny residual passes through nearly unchanged.
	small := []float64{1e-4, 0, 0, 0, 0, 0}
	test.That(t, robust.Whiten(small)[0], test.ShouldAlmostEqual, small[0], 1e-8)

	// A huge residual is strongly down-weighted relative to the base model.
	big := []float64{100, 0, 0, 0, 0, 0}
	test.That(t, robust.Whiten(big)[0], test.ShouldBeLessThan, base.Whiten(big)[0]/10)

	// Weights shrink monotonically as the residual grows.
	wSmall := robust.Weights(small)[0]
	wBig := robust.Weights(big)[0]
	test.That(t, wBig, test.ShouldBeLessThan, wSmall)
}
