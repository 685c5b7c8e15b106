package model

import (
	"fmt"
	"strings"
)

// Mode describes how a task accesses a data handle. The low bits carry the
// access kind (read/write/scratch/redux), the high bits carry orthogonal
// flags.
type Mode uint32

const (
	ModeNone Mode = 0

	ModeR  Mode = 1 << 0
	ModeW  Mode = 1 << 1
	ModeRW Mode = ModeR | ModeW

	// ModeScratch is a per-worker temporary buffer. Scratch accesses are
	// tracked like exclusive accesses.
	ModeScratch Mode = 1 << 2

	// ModeRedux marks a reduction contribution. All redux holders of a
	// handle run concurrently; the first non-redux access forces a
	// reduction barrier.
	ModeRedux Mode = 1 << 3

	// ModeCommute relaxes ordering: two commuting accesses on the same
	// handle may run concurrently regardless of their read/write kinds.
	ModeCommute Mode = 1 << 4

	// ModeSSend and ModeLocality are scheduling hints. They carry no
	// dependency semantics.
	ModeSSend    Mode = 1 << 5
	ModeLocality Mode = 1 << 6
)

const (
	kindMask = ModeRW | ModeScratch | ModeRedux
	flagMask = ModeCommute | ModeSSend | ModeLocality
	hintMask = ModeSSend | ModeLocality
)

// Kind returns the access kind with all flags stripped.
func (m Mode) Kind() Mode { return m & kindMask }

// Has reports whether every bit of f is set in m.
func (m Mode) Has(f Mode) bool { return m&f == f }

// IsRead reports whether the access reads the handle.
func (m Mode) IsRead() bool { return m&ModeR != 0 }

// IsWrite reports whether the access writes the handle.
func (m Mode) IsWrite() bool { return m&ModeW != 0 }

// Valid reports whether m is a well-formed access mode: exactly one kind,
// no unknown bits, and no commute on scratch or redux accesses.
func (m Mode) Valid() bool {
	if m&^(kindMask|flagMask) != 0 {
		return false
	}
	switch m.Kind() {
	case ModeR, ModeW, ModeRW:
		return true
	case ModeScratch, ModeRedux:
		return !m.Has(ModeCommute)
	}
	return false
}

// Compatible reports whether accesses a and b may hold the same handle
// concurrently. Two accesses are compatible iff both are reads, both are
// redux contributions, or both commute (and neither is scratch or redux).
func Compatible(a, b Mode) bool {
	ak, bk := a.Kind(), b.Kind()
	if ak == ModeR && bk == ModeR {
		return true
	}
	if ak == ModeRedux && bk == ModeRedux {
		return true
	}
	if a.Has(ModeCommute) && b.Has(ModeCommute) &&
		ak&(ModeScratch|ModeRedux) == 0 && bk&(ModeScratch|ModeRedux) == 0 {
		return true
	}
	return false
}

// Join merges two accesses on the same handle into a single mode. Read and
// write kinds combine bitwise (R+W gives RW); scratch and redux only join
// with themselves. Commute survives only if both sides commute; hint flags
// accumulate.
func Join(a, b Mode) (Mode, error) {
	ak, bk := a.Kind(), b.Kind()
	exotic := ModeScratch | ModeRedux
	if (ak&exotic != 0 || bk&exotic != 0) && ak != bk {
		return ModeNone, fmt.Errorf("cannot join access modes %s and %s", a, b)
	}
	j := ak | bk
	if a.Has(ModeCommute) && b.Has(ModeCommute) {
		j |= ModeCommute
	}
	j |= (a | b) & hintMask
	return j, nil
}

// String renders the mode as "RW|COMMUTE"-style text.
func (m Mode) String() string {
	var parts []string
	switch m.Kind() {
	case ModeNone:
		parts = append(parts, "NONE")
	case ModeR:
		parts = append(parts, "R")
	case ModeW:
		parts = append(parts, "W")
	case ModeRW:
		parts = append(parts, "RW")
	case ModeScratch:
		parts = append(parts, "SCRATCH")
	case ModeRedux:
		parts = append(parts, "REDUX")
	default:
		parts = append(parts, fmt.Sprintf("0x%x", uint32(m.Kind())))
	}
	if m.Has(ModeCommute) {
		parts = append(parts, "COMMUTE")
	}
	if m.Has(ModeSSend) {
		parts = append(parts, "SSEND")
	}
	if m.Has(ModeLocality) {
		parts = append(parts, "LOCALITY")
	}
	return strings.Join(parts, "|")
}

// ParseMode parses "RW|COMMUTE"-style text into a Mode.
func ParseMode(s string) (Mode, error) {
	var m Mode
	for _, part := range strings.Split(s, "|") {
		switch strings.ToUpper(strings.TrimSpace(part)) {
		case "R", "READ":
			m |= ModeR
		case "W", "WRITE":
			m |= ModeW
		case "RW":
			m |= ModeRW
		case "SCRATCH":
			m |= ModeScratch
		case "REDUX":
			m |= ModeRedux
		case "COMMUTE":
			m |= ModeCommute
		case "SSEND":
			m |= ModeSSend
		case "LOCALITY":
			m |= ModeLocality
		default:
			return ModeNone, fmt.Errorf("unknown access mode %q", part)
		}
	}
	if !m.Valid() {
		return ModeNone, fmt.Errorf("invalid access mode %q", s)
	}
	return m, nil
}
