package domain

import (
	"fmt"
	"strconv"
	"strings"
)

type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Valid reports whether r is a known board role.
func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// BoardID identifies one drawable canvas, formatted "<role>-<index>".
type BoardID string

// PairID identifies a teacher/student board association, formatted "pair-<index>".
type PairID string

// NewBoardID builds the board id for role and 1-based index.
func NewBoardID(role Role, index int) BoardID {
	return BoardID(string(role) + "-" + strconv.Itoa(index))
}

// ParseBoardID validates s and returns it as a BoardID.
func ParseBoardID(s string) (BoardID, error) {
	b := BoardID(s)
	if _, _, err := b.parts(); err != nil {
		return "", err
	}
	return b, nil
}

func (b BoardID) parts() (Role, int, error) {
	role, idx, ok := strings.Cut(string(b), "-")
	if !ok {
		return "", 0, fmt.Errorf("board %q: %w", string(b), ErrUnknownBoard)
	}
	if !Role(role).Valid() {
		return "", 0, fmt.Errorf("board %q: role %q: %w", string(b), role, ErrUnknownBoard)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 1 {
		return "", 0, fmt.Errorf("board %q: index %q: %w", string(b), idx, ErrUnknownBoard)
	}
	return Role(role), n, nil
}

// Role returns the board's role prefix, or "" for a malformed id.
func (b BoardID) Role() Role {
	r, _, err := b.parts()
	if err != nil {
		return ""
	}
	return r
}

// Index returns the 1-based pair index, or 0 for a malformed id.
func (b BoardID) Index() int {
	_, n, err := b.parts()
	if err != nil {
		return 0
	}
	return n
}

// IsTeacher reports whether b is a teacher board.
func (b BoardID) IsTeacher() bool { return b.Role() == RoleTeacher }

// Paired returns the other member of b's pair by substituting the role prefix.
// A malformed id yields "".
func (b BoardID) Paired() BoardID {
	r, n, err := b.parts()
	if err != nil {
		return ""
	}
	if r == RoleTeacher {
		return NewBoardID(RoleStudent, n)
	}
	return NewBoardID(RoleTeacher, n)
}

// Pair returns the id of the pair b belongs to under the default layout.
func (b BoardID) Pair() PairID {
	n := b.Index()
	if n == 0 {
		return ""
	}
	return NewPairID(n)
}

func (b BoardID) String() string { return string(b) }

// NewPairID builds the pair id for a 1-based index.
func NewPairID(index int) PairID {
	return PairID("pair-" + strconv.Itoa(index))
}

// Pair associates a primary (teacher) board with a secondary (student) board.
type Pair struct {
	ID        PairID
	Primary   BoardID
	Secondary BoardID
}

// Has reports whether b is a member of p.
func (p Pair) Has(b BoardID) bool {
	return b == p.Primary || b == p.Secondary
}

// Other returns the member of p that is not b. It returns "" when b is not a member.
func (p Pair) Other(b BoardID) BoardID {
	switch b {
	case p.Primary:
		return p.Secondary
	case p.Secondary:
		return p.Primary
	default:
		return ""
	}
}

// Boards returns both members, primary first.
func (p Pair) Boards() []BoardID {
	return []BoardID{p.Primary, p.Secondary}
}

// DefaultPairs returns n pairs teacher-k <-> student-k for k = 1..n.
func DefaultPairs(n int) []Pair {
	pairs := make([]Pair, 0, n)
	for i := 1; i <= n; i++ {
		pairs = append(pairs, Pair{
			ID:        NewPairID(i),
			Primary:   NewBoardID(RoleTeacher, i),
			Secondary: NewBoardID(RoleStudent, i),
		})
	}
	return pairs
}

// AllBoards flattens pairs into their board ids, primaries first within each pair.
func AllBoards(pairs []Pair) []BoardID {
	boards := make([]BoardID, 0, len(pairs)*2)
	for _, p := range pairs {
		boards = append(boards, p.Primary, p.Secondary)
	}
	return boards
}
