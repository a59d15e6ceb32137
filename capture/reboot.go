package capture

import (
	"sort"
	"strings"
	"time"
)

// RebootMarkers are the log lines that tell a device is restarting. An
// Immediate marker fires on its own; a Complete marker fires only once an Arm
// marker has been seen.
type RebootMarkers struct {
	Immediate []string
	Arm       []string
	Complete  []string
}

func (m RebootMarkers) Empty() bool {
	return len(m.Immediate) == 0 && len(m.Complete) == 0
}

// RebootSettler is implemented by adapters whose devices need a different
// settle period after a reboot marker than the engine default.
type RebootSettler interface {
	RebootSettle() time.Duration
}

type markerKind int

const (
	markerImmediate markerKind = iota
	markerArm
	markerComplete
)

type markerHit struct {
	end  int
	kind markerKind
}

// RebootDetector scans consecutive chunks of a log for reboot markers. It keeps
// the end of the previous chunk so a marker split across two reads is found.
type RebootDetector struct {
	markers RebootMarkers
	armed   bool
	tail    string
	keep    int
}

func NewRebootDetector(markers RebootMarkers) *RebootDetector {
	longest := 0
	for _, group := range [][]string{markers.Immediate, markers.Arm, markers.Complete} {
		for _, m := range group {
			if len(m) > longest {
				longest = len(m)
			}
		}
	}

	keep := 0
	if longest > 0 {
		keep = longest - 1
	}

	return &RebootDetector{
		markers: markers,
		keep:    keep,
	}
}

// Armed reports whether an Arm marker is waiting for its Complete marker.
func (d *RebootDetector) Armed() bool {
	return d.armed
}

// Reset forgets the carried tail and any armed state.
func (d *RebootDetector) Reset() {
	d.armed = false
	d.tail = ""
}

// Feed scans chunk and reports whether it completes a reboot marker.
func (d *RebootDetector) Feed(chunk []byte) bool {
	if d.keep == 0 || len(chunk) == 0 {
		return false
	}

	text := d.tail + string(chunk)
	seen := len(d.tail)

	if len(text) > d.keep {
		d.tail = text[len(text)-d.keep:]
	} else {
		d.tail = text
	}

	// Matches ending inside the carried tail were reported by the previous call.
	var hits []markerHit
	hits = appendHits(hits, text, seen, d.markers.Immediate, markerImmediate)
	hits = appendHits(hits, text, seen, d.markers.Arm, markerArm)
	hits = appendHits(hits, text, seen, d.markers.Complete, markerComplete)

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].end < hits[j].end
	})

	for _, hit := range hits {
		switch hit.kind {
		case markerImmediate:
			d.Reset()
			return true
		case markerArm:
			d.armed = true
		case markerComplete:
			if d.armed {
				d.Reset()
				return true
			}
		}
	}

	return false
}

func appendHits(hits []markerHit, text string, seen int, markers []string, kind markerKind) []markerHit {
	for _, m := range markers {
		if m == "" {
			continue
		}

		offset := 0
		for {
			i := strings.Index(text[offset:], m)
			if i < 0 {
				break
			}

			end := offset + i + len(m)
			if end > seen {
				hits = append(hits, markerHit{end: end, kind: kind})
			}
			offset += i + 1
		}
	}

	return hits
}
