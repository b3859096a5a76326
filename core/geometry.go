package core

import "math"

// EarthRadiusKm is the mean spherical Earth radius used by the orbital
// link backend (kilometres).
const EarthRadiusKm = 6371.0

// SpeedOfLightKmPerMs is c expressed in kilometres per millisecond.
const SpeedOfLightKmPerMs = 299.792458

// Vec3 is an ECEF position in kilometres.
type Vec3 struct {
	X, Y, Z float64
}

func (v Vec3) Sub(o Vec3) Vec3    { return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z} }
func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }
func (v Vec3) Norm() float64      { return math.Sqrt(v.Dot(v)) }

// DistanceTo returns the straight-line distance to o.
func (v Vec3) DistanceTo(o Vec3) float64 { return v.Sub(o).Norm() }

// GeodeticToECEF places a point given in degrees and kilometres of
// altitude on the spherical Earth.
func GeodeticToECEF(latDeg, lonDeg, altKm float64) Vec3 {
	lat := latDeg * math.Pi / 180
	lon := lonDeg * math.Pi / 180
	r := EarthRadiusKm + altKm
	return Vec3{
		X: r * math.Cos(lat) * math.Cos(lon),
		Y: r * math.Cos(lat) * math.Sin(lon),
		Z: r * math.Sin(lat),
	}
}

// hasLineOfSight reports whether the segment p1-p2 clears the Earth
// sphere.
func hasLineOfSight(p1, p2 Vec3) bool {
	d := p2.Sub(p1)
	a := d.Dot(d)
	if a == 0 {
		return p1.Dot(p1) > EarthRadiusKm*EarthRadiusKm
	}
	// Closest point of the segment to the Earth's centre.
	t := math.Max(0, math.Min(1, -p1.Dot(d)/a))
	c := Vec3{X: p1.X + d.X*t, Y: p1.Y + d.Y*t, Z: p1.Z + d.Z*t}
	return c.Dot(c) > EarthRadiusKm*EarthRadiusKm
}

// ElevationDegrees is the elevation of target above the observer's local
// horizon: 0 at the horizon, 90 overhead.
func ElevationDegrees(observer, target Vec3) float64 {
	los := target.Sub(observer)
	n, r := los.Norm(), observer.Norm()
	if n == 0 || r == 0 {
		return 90
	}
	cos := math.Max(-1, math.Min(1, los.Dot(observer)/(n*r)))
	return 90 - math.Acos(cos)*180/math.Pi
}
