package task

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPriority = errors.New("invalid priority, options are: [VeryLow, Low, Medium, High, VeryHigh]")
	ErrInvalidItem     = errors.New("invalid task")
)

// Priority is one of five totally ordered levels. The zero value is VeryLow.
type Priority uint8

const (
	VeryLow Priority = iota
	Low
	Medium
	High
	VeryHigh
)

var priorityNames = [...]string{
	VeryLow:  "VeryLow",
	Low:      "Low",
	Medium:   "Medium",
	High:     "High",
	VeryHigh: "VeryHigh",
}

// Priorities lists every level in ascending order.
func Priorities() []Priority {
	return []Priority{VeryLow, Low, Medium, High, VeryHigh}
}

// ParsePriority accepts only the five exact, case-sensitive spellings.
func ParsePriority(raw string) (Priority, error) {
	for i, name := range priorityNames {
		if raw == name {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, raw)
}

func (p Priority) Valid() bool { return int(p) < len(priorityNames) }

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Priority(%d)", uint8(p))
	}
	return priorityNames[p]
}

// Compare returns -1, 0 or +1 as a is lower than, equal to, or higher than b.
func Compare(a, b Priority) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
