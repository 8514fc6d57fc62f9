package models

import (
	"fmt"
	"strings"
)

// Bone identifies which bone a landmark set, model or implant belongs to.
type Bone int

const (
	Femur Bone = iota
	Tibia
)

func (b Bone) String() string {
	switch b {
	case Femur:
		return "femur"
	case Tibia:
		return "tibia"
	default:
		return fmt.Sprintf("bone(%d)", int(b))
	}
}

// ParseBone parses "femur" or "tibia".
func ParseBone(s string) (Bone, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "femur":
		return Femur, nil
	case "tibia":
		return Tibia, nil
	}
	return 0, fmt.Errorf("unknown bone %q: %w", s, ErrInput)
}

// Side is the operated knee.
type Side int

const (
	Right Side = iota
	Left
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// ParseSide accepts "left"/"right" and the single letters L/R.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "right", "r":
		return Right, nil
	case "left", "l":
		return Left, nil
	}
	return 0, fmt.Errorf("unknown side %q: %w", s, ErrInput)
}
