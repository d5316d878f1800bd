package protocol

import (
	"fmt"
	"strings"
	"time"
)

// TrafficClass selects which estimate matrix and which QoS bounds apply to a packet
type TrafficClass uint8

const (
	ClassOther TrafficClass = iota
	ClassA                  // voice
	ClassB                  // video
	ClassC                  // bulk
)

// Classes lists every class that owns its own estimate matrix. ClassOther shares ClassC.
var Classes = []TrafficClass{ClassA, ClassB, ClassC}

// Requirements are the QoS bounds of a traffic class
type Requirements struct {
	MaxJitter time.Duration
	MaxDelay  time.Duration
	MaxLoss   float64
}

var requirements = map[TrafficClass]Requirements{
	ClassA: {MaxJitter: 50 * time.Millisecond, MaxDelay: 100 * time.Millisecond, MaxLoss: 0.0005},
	ClassB: {MaxJitter: 150 * time.Millisecond, MaxDelay: 100 * time.Millisecond, MaxLoss: 0.02},
	ClassC: {MaxJitter: 500 * time.Millisecond, MaxDelay: 500 * time.Millisecond, MaxLoss: 0.20},
}

// Table returns the class whose estimate matrix is used for c
func (c TrafficClass) Table() TrafficClass {
	if c == ClassA || c == ClassB {
		return c
	}
	return ClassC
}

func (c TrafficClass) Requirements() Requirements {
	return requirements[c.Table()]
}

func (c TrafficClass) String() string {
	switch c {
	case ClassA:
		return "A"
	case ClassB:
		return "B"
	case ClassC:
		return "C"
	default:
		return "other"
	}
}

func (c TrafficClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *TrafficClass) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "a", "voip", "voice":
		*c = ClassA
	case "b", "video":
		*c = ClassB
	case "c", "bulk":
		*c = ClassC
	case "", "other", "icmp":
		*c = ClassOther
	default:
		return fmt.Errorf("unknown traffic class %q", string(b))
	}
	return nil
}
