package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

// ErrOrbitalConfig is returned for unusable orbital backend settings.
var ErrOrbitalConfig = errors.New("invalid orbital link config")

// Satellite binds a network node to a two-line element set.
type Satellite struct {
	Node string
	TLE1 string
	TLE2 string
}

// GroundStation binds a network node to a fixed geodetic position.
type GroundStation struct {
	Node   string
	LatDeg float64
	LonDeg float64
	AltKm  float64
}

// OrbitalConfig parameterises OrbitalResolver.
type OrbitalConfig struct {
	// Epoch is the wall time corresponding to simulated time zero.
	Epoch time.Time
	// MinElevationDeg is the elevation mask below which a pass is unusable.
	MinElevationDeg float64
	// ProcessingDelayMs is added to the geometric round trip.
	ProcessingDelayMs float64
	// UpMbps and DownMbps are the raw rates in the ground->satellite and
	// satellite->ground directions.
	UpMbps   float64
	DownMbps float64
	Loss     float64

	Satellites     []Satellite
	GroundStations []GroundStation
}

// OrbitalResolver derives satellite<->ground link metrics from SGP4
// propagation: the RTT follows the slant range and the link is up only
// while the satellite is above the elevation mask with clear line of
// sight. Pairs that are not one satellite and one ground station resolve
// to UnavailableLink.
type OrbitalResolver struct {
	cfg    OrbitalConfig
	sats   map[string]satellite.Satellite
	ground map[string]Vec3
}

// NewOrbitalResolver validates cfg and parses the TLEs.
func NewOrbitalResolver(cfg OrbitalConfig) (*OrbitalResolver, error) {
	r := &OrbitalResolver{
		cfg:    cfg,
		sats:   make(map[string]satellite.Satellite, len(cfg.Satellites)),
		ground: make(map[string]Vec3, len(cfg.GroundStations)),
	}
	for _, s := range cfg.Satellites {
		if s.Node == "" {
			return nil, fmt.Errorf("%w: satellite with empty node id", ErrOrbitalConfig)
		}
		if !validTLE(s.TLE1, '1') || !validTLE(s.TLE2, '2') {
			return nil, fmt.Errorf("%w: satellite %q has a malformed TLE", ErrOrbitalConfig, s.Node)
		}
		if _, dup := r.sats[s.Node]; dup {
			return nil, fmt.Errorf("%w: duplicate satellite node %q", ErrOrbitalConfig, s.Node)
		}
		r.sats[s.Node] = satellite.TLEToSat(s.TLE1, s.TLE2, satellite.GravityWGS72)
	}
	for _, g := range cfg.GroundStations {
		if g.Node == "" {
			return nil, fmt.Errorf("%w: ground station with empty node id", ErrOrbitalConfig)
		}
		if _, dup := r.ground[g.Node]; dup {
			return nil, fmt.Errorf("%w: duplicate ground node %q", ErrOrbitalConfig, g.Node)
		}
		if _, clash := r.sats[g.Node]; clash {
			return nil, fmt.Errorf("%w: node %q is both satellite and ground station", ErrOrbitalConfig, g.Node)
		}
		r.ground[g.Node] = GeodeticToECEF(g.LatDeg, g.LonDeg, g.AltKm)
	}
	return r, nil
}

func validTLE(line string, num byte) bool {
	line = strings.TrimSpace(line)
	return len(line) >= 69 && line[0] == num && line[1] == ' '
}

// Query implements Resolver.
func (r *OrbitalResolver) Query(src, dst NodeID, t float64) LinkMetrics {
	satNode, groundNode, uplink := src, dst, false
	if _, ok := r.ground[src]; ok {
		satNode, groundNode, uplink = dst, src, true
	}
	sat, okSat := r.sats[satNode]
	gs, okGround := r.ground[groundNode]
	if !okSat || !okGround {
		return UnavailableLink
	}

	pos := r.position(sat, t)
	rangeKm := gs.DistanceTo(pos)
	visible := hasLineOfSight(gs, pos) && ElevationDegrees(gs, pos) >= r.cfg.MinElevationDeg

	rtt := 2*rangeKm/SpeedOfLightKmPerMs + r.cfg.ProcessingDelayMs
	up, down := r.cfg.UpMbps, r.cfg.DownMbps
	if !uplink {
		up, down = down, up
	}
	return NewLinkMetrics(rtt, up, down, r.cfg.Loss, visible)
}

// position propagates sat to simulated time t and returns its ECEF
// position in kilometres.
func (r *OrbitalResolver) position(sat satellite.Satellite, t float64) Vec3 {
	at := r.cfg.Epoch.Add(time.Duration(t * float64(time.Second))).UTC()
	year, month, day := at.Date()
	hour, min, sec := at.Clock()

	eci, _ := satellite.Propagate(sat, year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(satellite.JDay(year, int(month), day, hour, min, sec))
	ecef := satellite.ECIToECEF(eci, gmst)
	return Vec3{X: ecef.X, Y: ecef.Y, Z: ecef.Z}
}
