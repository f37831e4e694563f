// Package geodesy projects geodetic coordinates into a local East-North-Up
// tangent plane anchored at a latched origin.
//
// The projection goes geodetic -> ECEF -> rotate/translate into the frame at
// the origin. x is east, y is north, z is up, all in meters.
package geodesy

import (
	"math"

	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"gonum.org/v1/gonum/mat"
)

// Ellipsoid is a reference ellipsoid given by equatorial radius (meters) and
// flattening.
type Ellipsoid struct {
	A float64
	F float64
}

var WGS84 = Ellipsoid{A: 6378137.0, F: 1.0 / 298.257223563}

// E2 is the first eccentricity squared.
func (e Ellipsoid) E2() float64 {
	return e.F * (2 - e.F)
}

// ToECEF converts geodetic degrees/meters into ECEF meters.
func (e Ellipsoid) ToECEF(latDeg, lonDeg, alt float64) r3.Vector {
	phi := latDeg * math.Pi / 180
	lam := lonDeg * math.Pi / 180
	sphi, cphi := math.Sincos(phi)
	slam, clam := math.Sincos(lam)
	e2 := e.E2()
	n := e.A / math.Sqrt(1-e2*sphi*sphi)
	return r3.Vector{
		X: (n + alt) * cphi * clam,
		Y: (n + alt) * cphi * slam,
		Z: (n*(1-e2) + alt) * sphi,
	}
}

// FromECEF converts ECEF meters back into geodetic degrees/meters.
// Poles are not special-cased.
func (e Ellipsoid) FromECEF(p r3.Vector) (latDeg, lonDeg, alt float64) {
	e2 := e.E2()
	lam := math.Atan2(p.Y, p.X)
	rho := math.Hypot(p.X, p.Y)
	phi := math.Atan2(p.Z, rho*(1-e2))
	var h float64
	for i := 0; i < 16; i++ {
		sphi := math.Sin(phi)
		n := e.A / math.Sqrt(1-e2*sphi*sphi)
		nextH := rho/math.Cos(phi) - n
		nextPhi := math.Atan2(p.Z, rho*(1-e2*n/(n+nextH)))
		done := math.Abs(nextH-h) < 1e-9 && math.Abs(nextPhi-phi) < 1e-15
		h, phi = nextH, nextPhi
		if done {
			break
		}
	}
	return phi * 180 / math.Pi, lam * 180 / math.Pi, h
}

// LocalCartesian is the tangent-plane projection. The zero value is not
// usable; construct with NewLocalCartesian and latch an origin with Reset.
type LocalCartesian struct {
	ell Ellipsoid

	initialized bool
	lat0        float64
	lon0        float64
	alt0        float64
	origin      r3.Vector
	// rot maps ECEF offsets into ENU.
	rot *mat.Dense
}

func NewLocalCartesian(e Ellipsoid) *LocalCartesian {
	if e.A <= 0 {
		e = WGS84
	}
	return &LocalCartesian{ell: e}
}

// Reset discards any prior origin and anchors the tangent plane at the given
// geodetic point.
func (lc *LocalCartesian) Reset(latDeg, lonDeg, alt float64) {
	lc.lat0, lc.lon0, lc.alt0 = latDeg, lonDeg, alt
	lc.origin = lc.ell.ToECEF(latDeg, lonDeg, alt)

	sphi, cphi := math.Sincos(latDeg * math.Pi / 180)
	slam, clam := math.Sincos(lonDeg * math.Pi / 180)
	lc.rot = mat.NewDense(3, 3, []float64{
		-slam, clam, 0,
		-sphi * clam, -sphi * slam, cphi,
		cphi * clam, cphi * slam, sphi,
	})
	lc.initialized = true
}

func (lc *LocalCartesian) Initialized() bool {
	return lc != nil && lc.initialized
}

func (lc *LocalCartesian) Origin() (latDeg, lonDeg, alt float64, ok bool) {
	if !lc.Initialized() {
		return 0, 0, 0, false
	}
	return lc.lat0, lc.lon0, lc.alt0, true
}

func (lc *LocalCartesian) Ellipsoid() Ellipsoid {
	return lc.ell
}

// Forward projects a geodetic point into the local frame. It panics if no
// origin has been latched.
func (lc *LocalCartesian) Forward(latDeg, lonDeg, alt float64) r3.Vector {
	if !lc.Initialized() {
		panic("geodesy: Forward called before Reset")
	}
	d := lc.ell.ToECEF(latDeg, lonDeg, alt).Sub(lc.origin)
	var out mat.VecDense
	out.MulVec(lc.rot, mat.NewVecDense(3, []float64{d.X, d.Y, d.Z}))
	return r3.Vector{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
}

// Reverse maps a local point back to geodetic coordinates. It panics if no
// origin has been latched.
func (lc *LocalCartesian) Reverse(x, y, z float64) (latDeg, lonDeg, alt float64) {
	if !lc.Initialized() {
		panic("geodesy: Reverse called before Reset")
	}
	var d mat.VecDense
	d.MulVec(lc.rot.T(), mat.NewVecDense(3, []float64{x, y, z}))
	p := lc.origin.Add(r3.Vector{X: d.AtVec(0), Y: d.AtVec(1), Z: d.AtVec(2)})
	return lc.ell.FromECEF(p)
}

// SurfaceDistanceKm is the great-circle distance between two geodetic points
// on a spherical earth.
func SurfaceDistanceKm(lat0, lon0, lat, lon float64) float64 {
	return geo.NewPoint(lat0, lon0).GreatCircleDistance(geo.NewPoint(lat, lon))
}
