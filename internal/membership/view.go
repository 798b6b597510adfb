package membership

import (
	"fmt"
	"sort"
	"strings"
)

// ParticipantID identifies one training process for the lifetime of the run.
type ParticipantID string

// View is an immutable snapshot of run membership at a single version.
// Participants are sorted ascending so every holder derives identical rank
// order without further coordination.
type View struct {
	Version      uint64
	Participants []ParticipantID
	Capacity     map[ParticipantID]float64
}

// NewView builds a normalized view from an arbitrary participant list.
func NewView(version uint64, participants []ParticipantID) View {
	v := View{Version: version, Participants: append([]ParticipantID(nil), participants...)}
	v.normalize()
	return v
}

func (v *View) normalize() {
	sort.Slice(v.Participants, func(i, j int) bool {
		return v.Participants[i] < v.Participants[j]
	})
	dedup := v.Participants[:0]
	var last ParticipantID
	for i, id := range v.Participants {
		if i > 0 && id == last {
			continue
		}
		dedup = append(dedup, id)
		last = id
	}
	v.Participants = dedup
}

// Clone returns a deep copy safe to hand across goroutines.
func (v View) Clone() View {
	out := View{Version: v.Version}
	out.Participants = append([]ParticipantID(nil), v.Participants...)
	if v.Capacity != nil {
		out.Capacity = make(map[ParticipantID]float64, len(v.Capacity))
		for id, c := range v.Capacity {
			out.Capacity[id] = c
		}
	}
	return out
}

// Contains reports whether id is a member of this view.
func (v View) Contains(id ParticipantID) bool {
	i := sort.Search(len(v.Participants), func(i int) bool {
		return v.Participants[i] >= id
	})
	return i < len(v.Participants) && v.Participants[i] == id
}

// Joined lists members of v absent from prev, sorted.
func (v View) Joined(prev View) []ParticipantID {
	var out []ParticipantID
	for _, id := range v.Participants {
		if !prev.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// Departed lists members of prev absent from v, sorted.
func (v View) Departed(prev View) []ParticipantID {
	var out []ParticipantID
	for _, id := range prev.Participants {
		if !v.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// String renders a compact "vN{a,b,c}" form for logs.
func (v View) String() string {
	ids := make([]string, len(v.Participants))
	for i, id := range v.Participants {
		ids[i] = string(id)
	}
	return fmt.Sprintf("v%d{%s}", v.Version, strings.Join(ids, ","))
}

// ValidID reports whether id is usable as a participant identifier:
// lowercase alphanumerics with single '.', '-', '_' or ':' separators.
func ValidID(id ParticipantID) bool {
	s := string(id)
	if s == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_' || c == ':'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(s)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}
