package aodv

import (
	"errors"
	"fmt"
)

type RouterEvent int

// trace events

const (
	RouteAdded RouterEvent = iota
	RouteUpdated
	RouteInvalidated
	RouteDeleted
	RequestSent
	RequestForwarded
	RequestDropped
	ReplySent
	ReplyForwarded
	ReplyDropped
	ErrorSent
	ErrorReceived
	HelloReceived
	LinkBroken
	PacketQueued
	PacketReleased
	PacketDropped
	DiscoveryFailed
	RateLimited
)

// warn events

const (
	MalformedMessage RouterEvent = iota + 1000
	EstimatorContractViolation
	InconsistentState
)

var eventNames = map[RouterEvent]string{
	RouteAdded:                 "RouteAdded",
	RouteUpdated:               "RouteUpdated",
	RouteInvalidated:           "RouteInvalidated",
	RouteDeleted:               "RouteDeleted",
	RequestSent:                "RequestSent",
	RequestForwarded:           "RequestForwarded",
	RequestDropped:             "RequestDropped",
	ReplySent:                  "ReplySent",
	ReplyForwarded:             "ReplyForwarded",
	ReplyDropped:               "ReplyDropped",
	ErrorSent:                  "ErrorSent",
	ErrorReceived:              "ErrorReceived",
	HelloReceived:              "HelloReceived",
	LinkBroken:                 "LinkBroken",
	PacketQueued:               "PacketQueued",
	PacketReleased:             "PacketReleased",
	PacketDropped:              "PacketDropped",
	DiscoveryFailed:            "DiscoveryFailed",
	RateLimited:                "RateLimited",
	MalformedMessage:           "MalformedMessage",
	EstimatorContractViolation: "EstimatorContractViolation",
	InconsistentState:          "InconsistentState",
}

func (e RouterEvent) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("RouterEvent(%d)", int(e))
}

func (e RouterEvent) IsWarning() bool {
	return e >= 1000
}

var (
	// ErrNoRouteToHost is returned when a packet cannot be routed and no discovery is possible
	ErrNoRouteToHost = errors.New("no route to host")
	// ErrDeferred means the packet was queued while a route is discovered
	ErrDeferred = errors.New("route discovery in progress")
	// ErrDiscoveryFailed is reported for queued packets whose discovery ran out of attempts
	ErrDiscoveryFailed = errors.New("route discovery failed")
	ErrQueueFull       = errors.New("packet queue full")
	ErrQueueTimeout    = errors.New("packet expired in queue")
	ErrTTLExpired      = errors.New("ttl expired")
	ErrInterfaceDown   = errors.New("interface down")
	ErrDuplicate       = errors.New("duplicate packet")
	// ErrEstimatorDrop means the estimator declined to route the packet
	ErrEstimatorDrop = errors.New("dropped by estimator")
)
