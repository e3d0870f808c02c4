package update

import "github.com/gosuda/boardsync/internal/domain"

// Equivalent is a structural equality heuristic, not deep equality: a and b match when
// they hold the same number of objects with the same per-type counts, shapes sharing an
// id sit at the same rounded position, and either their path ids coincide or every id of
// b exists in a. Snapshots that differ only in decorative properties compare equal; the
// next genuine change corrects the drift.
func Equivalent(a, b domain.Snapshot) bool {
	if len(a.Objects) != len(b.Objects) {
		return false
	}

	typesA := countTypes(a)
	typesB := countTypes(b)
	if len(typesA) != len(typesB) {
		return false
	}
	for typ, n := range typesA {
		if typesB[typ] != n {
			return false
		}
	}

	posA := positions(a)
	contained := true
	for _, s := range b.Objects {
		if s.ID == "" {
			continue
		}
		pos, ok := posA[s.ID]
		if !ok {
			contained = false
			continue
		}
		if pos != positionOf(s) {
			return false
		}
	}

	return samePathIDs(a, b) || contained
}

type position struct{ left, top string }

func positionOf(s domain.Shape) position {
	return position{left: roundedField(s, "left"), top: roundedField(s, "top")}
}

func positions(s domain.Snapshot) map[string]position {
	out := make(map[string]position, len(s.Objects))
	for _, sh := range s.Objects {
		if sh.ID != "" {
			out[sh.ID] = positionOf(sh)
		}
	}
	return out
}

func countTypes(s domain.Snapshot) map[string]int {
	counts := make(map[string]int)
	for _, sh := range s.Objects {
		counts[sh.Type]++
	}
	return counts
}

func samePathIDs(a, b domain.Snapshot) bool {
	pa := pathIDs(a)
	pb := pathIDs(b)
	if len(pa) == 0 && len(pb) == 0 {
		// No path shapes on either side; fall through to the id containment rule.
		return false
	}
	if len(pa) != len(pb) {
		return false
	}
	for id := range pa {
		if _, ok := pb[id]; !ok {
			return false
		}
	}
	return true
}

func pathIDs(s domain.Snapshot) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, sh := range s.Objects {
		if sh.Type == "path" && sh.ID != "" {
			ids[sh.ID] = struct{}{}
		}
	}
	return ids
}
