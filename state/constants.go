package state

import (
	"net/netip"
	"time"
)

const (
	// AodvPort carries route discovery control messages
	AodvPort = 654
	// FeedbackPort carries estimator feedback between neighbours
	FeedbackPort = 404
	// DataPort carries overlay data packets
	DataPort = 655
)

var (
	// JitterMax bounds the random delay applied to broadcasts to avoid synchronised collisions
	JitterMax            = 10 * time.Millisecond
	RateLimitRetryMargin = 100 * time.Microsecond
	GcDelay              = time.Second

	// DataTTL is the initial TTL of data packets originated by a node
	DataTTL uint8 = 64

	// NoNeighboursReachable is returned by the estimator when no neighbour can be used
	NoNeighboursReachable     = netip.MustParseAddr("212.121.212.121")
	NoNeighboursReachableCost = 9999 * time.Millisecond

	// estimator tunables
	QInitialVia              = time.Duration(0)
	QInitialNotVia           = time.Millisecond
	NewNeighbourIncrement    = 3 * time.Millisecond // a new neighbour starts slightly worse than the best known estimate
	UnknownDestinationCost   = 10 * time.Second
	MaxStrikes               = 5
	LearnChangeCooldown      = 15 * time.Second
	QValueCap                = 100 * time.Second
	StatsWindow              = 5 * time.Second
	PacketTableSize          = 4096
	AllBlacklistedEstimate   = 5 * time.Second
	LearningRateIncrease     = 1.5
	LearningRateDecrease     = 0.5
	LinkFailureDetectDelay   = 50 * time.Millisecond
	DispatchWarningThreshold = 4 * time.Millisecond

	// default overlay port
	DefaultPort = 57654
)
