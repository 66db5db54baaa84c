package state

import "fmt"

// SplitHorizon selects how routes learned through an interface are
// advertised back out of that interface.
type SplitHorizon int

const (
	// NoSplitHorizon advertises every route on every RIP interface
	// unchanged.
	NoSplitHorizon SplitHorizon = iota
	// SplitHorizonOmit omits routes whose outgoing interface is the one
	// being advertised on.
	SplitHorizonOmit
	// PoisonReverse advertises such routes with the infinity metric.
	PoisonReverse
)

func (s SplitHorizon) String() string {
	switch s {
	case NoSplitHorizon:
		return "NoSplitHorizon"
	case SplitHorizonOmit:
		return "SplitHorizon"
	case PoisonReverse:
		return "PoisonReverse"
	}
	return fmt.Sprintf("SplitHorizon(%d)", int(s))
}

func ParseSplitHorizon(s string) (SplitHorizon, error) {
	switch s {
	case "NoSplitHorizon":
		return NoSplitHorizon, nil
	case "SplitHorizon":
		return SplitHorizonOmit, nil
	case "PoisonReverse":
		return PoisonReverse, nil
	}
	return 0, fmt.Errorf("unknown split-horizon mode %q", s)
}

func (s SplitHorizon) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *SplitHorizon) UnmarshalText(text []byte) error {
	v, err := ParseSplitHorizon(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
