package core

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// SkippedRow describes a CSV row that was not loaded.
type SkippedRow struct {
	Line   int
	Reason string
}

// CSVReport summarises a bulk profile load.
type CSVReport struct {
	Loaded  int
	Skipped []SkippedRow
}

// LoadCSVFile reads a link-profile CSV into a new MemoryProfile.
func LoadCSVFile(path string) (*MemoryProfile, CSVReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, CSVReport{}, fmt.Errorf("open link profile %q: %w", path, err)
	}
	defer f.Close()

	p := NewMemoryProfile()
	report, err := LoadCSV(f, p)
	if err != nil {
		return nil, report, fmt.Errorf("read link profile %q: %w", path, err)
	}
	return p, report, nil
}

// LoadCSV loads rows into p. Accepted layouts, after the common
// effective_time, source_node, destination_node, latency_ms prefix:
//
//	bw_mbps                                  symmetric, loss 0, available
//	bw_mbps, loss                            symmetric, available
//	up_mbps, down_mbps, loss                 available
//	up_mbps, down_mbps, loss, up_flag
//
// Blank lines and '#' comments are ignored. Rows with fewer than five
// fields or unparseable numbers are skipped individually; only a read
// error on r aborts the load.
func LoadCSV(r io.Reader, p Profile) (CSVReport, error) {
	var report CSVReport
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		row, err := parseProfileRow(strings.Split(text, ","))
		if err != nil {
			report.Skipped = append(report.Skipped, SkippedRow{Line: line, Reason: err.Error()})
			continue
		}
		p.Put(row.src, row.dst, row.from, row.metrics)
		report.Loaded++
	}
	return report, sc.Err()
}

type profileRow struct {
	from     float64
	src, dst NodeID
	metrics  LinkMetrics
}

func parseProfileRow(f []string) (profileRow, error) {
	for i := range f {
		f[i] = strings.TrimSpace(f[i])
	}
	if len(f) < 5 {
		return profileRow{}, fmt.Errorf("too few columns (%d)", len(f))
	}
	row := profileRow{src: f[1], dst: f[2]}
	if row.src == "" || row.dst == "" {
		return profileRow{}, fmt.Errorf("empty node id")
	}

	nums, err := parseFloats(f[0], f[3])
	if err != nil {
		return profileRow{}, err
	}
	row.from = nums[0]
	rtt := nums[1]

	var up, down, loss float64
	ok := true
	switch {
	case len(f) >= 7:
		v, err := parseFloats(f[4], f[5], f[6])
		if err != nil {
			return profileRow{}, err
		}
		up, down, loss = v[0], v[1], v[2]
		if len(f) >= 8 {
			ok = parseAvailability(f[7])
		}
	case len(f) == 6:
		v, err := parseFloats(f[4], f[5])
		if err != nil {
			return profileRow{}, err
		}
		up, down, loss = v[0], v[0], v[1]
	default:
		v, err := parseFloats(f[4])
		if err != nil {
			return profileRow{}, err
		}
		up, down = v[0], v[0]
	}

	row.metrics = NewLinkMetrics(rtt, up, down, loss, ok)
	return row, nil
}

func parseFloats(fields ...string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, s := range fields {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("bad number %q", s)
		}
		out[i] = v
	}
	return out, nil
}

// parseAvailability treats "0" and "false" (any case) as down and every
// other token as up.
func parseAvailability(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", "false":
		return false
	default:
		return true
	}
}
