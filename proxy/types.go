package proxy

import (
	"emperror.dev/errors"
)

// Type is a supported reverse proxy implementation. Keeping this a closed
// enum means unknown type strings are rejected at the boundary instead of
// producing a half-working configuration.
type Type string

const (
	TypeVelocity       Type = "velocity"
	TypeBungeecord     Type = "bungeecord"
	TypeWaterfall      Type = "waterfall"
	TypeRustyConnector Type = "rusty-connector"
)

// ErrUnsupportedType is returned for any proxy type outside the closed set.
const ErrUnsupportedType = errors.Sentinel("proxy: unsupported proxy type")

// ParseType validates a raw type string against the closed set.
func ParseType(raw string) (Type, error) {
	switch t := Type(raw); t {
	case TypeVelocity, TypeBungeecord, TypeWaterfall, TypeRustyConnector:
		return t, nil
	}
	return "", errors.WrapIff(ErrUnsupportedType, "%q", raw)
}

// Types returns every supported proxy type, in a stable order.
func Types() []Type {
	return []Type{TypeVelocity, TypeBungeecord, TypeWaterfall, TypeRustyConnector}
}

// ForwardingMode is the protocol by which a proxy communicates a connecting
// player's real identity to the backend server.
type ForwardingMode string

const (
	ForwardingNone   ForwardingMode = "none"
	ForwardingLegacy ForwardingMode = "legacy"
	ForwardingModern ForwardingMode = "modern"
)

// DefaultForwarding returns the forwarding mode a proxy type uses when the
// binding does not override it. BungeeCord only speaks the legacy protocol.
func (t Type) DefaultForwarding() ForwardingMode {
	switch t {
	case TypeVelocity:
		return ForwardingModern
	case TypeBungeecord, TypeWaterfall:
		return ForwardingLegacy
	default:
		return ForwardingNone
	}
}

// SupportsForwarding reports whether the proxy type can operate in the given
// mode.
func (t Type) SupportsForwarding(mode ForwardingMode) bool {
	switch t {
	case TypeVelocity:
		return mode == ForwardingModern || mode == ForwardingLegacy || mode == ForwardingNone
	case TypeBungeecord:
		return mode == ForwardingLegacy || mode == ForwardingNone
	case TypeWaterfall:
		return mode == ForwardingLegacy || mode == ForwardingModern || mode == ForwardingNone
	case TypeRustyConnector:
		return mode == ForwardingModern || mode == ForwardingNone
	}
	return false
}

// UsesStaticConfig reports whether deploying a server to this proxy type
// mutates the proxy's own configuration files. RustyConnector proxies learn
// about servers through a shared Redis registry, so only the server side is
// ever written.
func (t Type) UsesStaticConfig() bool {
	return t != TypeRustyConnector
}

// Strategy is a load-balancing strategy recorded on a binding. The fleet
// does not balance traffic itself; the strategy only drives deployment order
// and fallback composition.
type Strategy string

const (
	StrategyPriority         Strategy = "priority"
	StrategyRoundRobin       Strategy = "round-robin"
	StrategyLeastConnections Strategy = "least-connections"
	StrategyCustom           Strategy = "custom"
)

func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(raw); s {
	case StrategyPriority, StrategyRoundRobin, StrategyLeastConnections, StrategyCustom:
		return s, nil
	case "":
		return StrategyPriority, nil
	}
	return "", errors.Errorf("proxy: unknown load-balancing strategy %q", raw)
}

// Probe outcomes stored on ProxyInstance.Health.
const (
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
	HealthUnknown   = "unknown"
)
