package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Defaults substituted for missing or malformed patch fields.
const (
	DefaultPatchRTTMs         = 25.0
	DefaultPatchBandwidthMbps = 300.0
	DefaultPatchLoss          = 0.01
	DefaultPatchEffectiveTime = 0.0
)

// PatchRecord is one decoded link patch as it arrives from the agent.
// Values are whatever the transport decoded: float64, json.Number,
// strings or bools.
type PatchRecord map[string]any

// PatchReport summarises one batch of patches.
type PatchReport struct {
	// Series counts records inserted into a pair's time series.
	Series int
	// Overrides counts records installed as standing overrides.
	Overrides int
	// Cleared counts standing overrides removed.
	Cleared int
	// Skipped counts records that could not be applied at all.
	Skipped int
	// Defaulted counts individual fields that fell back to a default
	// because they were present but malformed.
	Defaulted int
	// Problems holds one line per skipped record or defaulted field.
	Problems []string
}

// Applied is the number of records that changed the profile.
func (r PatchReport) Applied() int { return r.Series + r.Overrides + r.Cleared }

// LinkPatchApplier turns agent link patches into Profile mutations.
type LinkPatchApplier struct {
	profile Profile
}

// NewLinkPatchApplier returns an applier writing into profile.
func NewLinkPatchApplier(profile Profile) *LinkPatchApplier {
	return &LinkPatchApplier{profile: profile}
}

// Profile returns the profile patches are applied to.
func (a *LinkPatchApplier) Profile() Profile { return a.profile }

// Apply applies records in order. A record without an effective time
// installs a standing override; one with an explicit time is inserted
// into the series. A record carrying clear_override=true removes the
// pair's override instead. One bad record never blocks the rest.
func (a *LinkPatchApplier) Apply(records []PatchRecord) PatchReport {
	var report PatchReport
	for i, rec := range records {
		a.applyOne(i, rec, &report)
	}
	return report
}

func (a *LinkPatchApplier) applyOne(i int, rec PatchRecord, report *PatchReport) {
	if rec == nil {
		report.Skipped++
		report.Problems = append(report.Problems, fmt.Sprintf("patch[%d]: empty record", i))
		return
	}
	src, okSrc := nodeField(rec, "src", "source", "source_node")
	dst, okDst := nodeField(rec, "dst", "destination", "destination_node")
	if !okSrc || !okDst {
		report.Skipped++
		report.Problems = append(report.Problems, fmt.Sprintf("patch[%d]: missing source or destination node", i))
		return
	}

	if clear, _ := boolField(rec, "clear_override"); clear {
		a.profile.ClearOverride(src, dst)
		report.Cleared++
		return
	}

	num := func(def float64, keys ...string) float64 {
		v, present, ok := floatField(rec, keys...)
		if present && !ok {
			report.Defaulted++
			report.Problems = append(report.Problems,
				fmt.Sprintf("patch[%d] %s->%s: malformed %s, using %g", i, src, dst, keys[0], def))
		}
		if !ok {
			return def
		}
		return v
	}

	rtt := num(DefaultPatchRTTMs, "rtt_ms", "latency_ms")
	sym := num(DefaultPatchBandwidthMbps, "bw_mbps", "bandwidth_mbps")
	up := num(sym, "bw_up_mbps", "up_mbps")
	down := num(sym, "bw_down_mbps", "down_mbps")
	loss := num(DefaultPatchLoss, "loss", "loss_ratio")

	avail := true
	if raw, ok := lookup(rec, "up", "available", "up_flag"); ok {
		avail = availabilityValue(raw)
	}
	m := NewLinkMetrics(rtt, up, down, loss, avail)

	if _, present := lookup(rec, "t_start", "t", "effective_time"); !present {
		a.profile.Override(src, dst, m)
		report.Overrides++
		return
	}
	t := num(DefaultPatchEffectiveTime, "t_start", "t", "effective_time")
	a.profile.Put(src, dst, t, m)
	report.Series++
}

//
// ---------- Field helpers ----------
//

func lookup(rec PatchRecord, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// floatField returns the first present key's value as a finite float.
// present reports whether any key was set; ok whether it parsed.
func floatField(rec PatchRecord, keys ...string) (v float64, present, ok bool) {
	raw, present := lookup(rec, keys...)
	if !present {
		return 0, false, false
	}
	v, ok = ToFloat(raw)
	return v, true, ok
}

func boolField(rec PatchRecord, keys ...string) (bool, bool) {
	raw, present := lookup(rec, keys...)
	if !present {
		return false, false
	}
	switch b := raw.(type) {
	case bool:
		return b, true
	case string:
		v, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && v, true
	default:
		f, ok := ToFloat(raw)
		return ok && f != 0, true
	}
}

func nodeField(rec PatchRecord, keys ...string) (NodeID, bool) {
	raw, present := lookup(rec, keys...)
	if !present {
		return "", false
	}
	id := NodeString(raw)
	return id, id != ""
}

// ToFloat converts a decoded JSON-ish value to a finite float64.
func ToFloat(raw any) (float64, bool) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int32:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// NodeString renders a decoded node identifier. Numbers are printed
// without a trailing fraction so 101 and "101" name the same node.
func NodeString(raw any) string {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool, nil:
		return ""
	default:
		if f, ok := ToFloat(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return ""
	}
}

func availabilityValue(raw any) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		return parseAvailability(v)
	default:
		if f, ok := ToFloat(v); ok {
			return f != 0
		}
		return true
	}
}
