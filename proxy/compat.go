package proxy

import (
	"fmt"
	"strings"

	"github.com/enVId-tech/craftd/internal/models"
)

// CompatibilityAdvice is the verdict for pairing one server with one proxy
// type.
type CompatibilityAdvice struct {
	ProxyType  Type     `json:"proxy_type"`
	Compatible bool     `json:"compatible"`
	Forwarding string   `json:"forwarding"`
	Notes      []string `json:"notes,omitempty"`
}

// TestCompatibility evaluates a server against a set of candidate proxy
// types without touching any configuration. Unknown types come back as
// incompatible instead of failing the whole request, so a client can probe
// the full matrix in one call.
func TestCompatibility(server *models.ServerInstance, rawTypes []string) []CompatibilityAdvice {
	if len(rawTypes) == 0 {
		for _, t := range Types() {
			rawTypes = append(rawTypes, string(t))
		}
	}
	out := make([]CompatibilityAdvice, 0, len(rawTypes))
	for _, raw := range rawTypes {
		out = append(out, adviseOne(server, raw))
	}
	return out
}

func adviseOne(server *models.ServerInstance, raw string) CompatibilityAdvice {
	t, err := ParseType(raw)
	if err != nil {
		return CompatibilityAdvice{
			ProxyType:  Type(raw),
			Compatible: false,
			Notes:      []string{err.Error()},
		}
	}

	advice := CompatibilityAdvice{
		ProxyType:  t,
		Compatible: true,
		Forwarding: string(t.DefaultForwarding()),
	}
	isForge := false
	if _, ok := forgeServerTypes[strings.ToLower(server.ServerType)]; ok {
		isForge = true
	}

	switch t {
	case TypeVelocity:
		if isForge {
			advice.Notes = append(advice.Notes, "modern forwarding works with Forge when the backend runs a proxy support mod")
		}
	case TypeBungeecord:
		if isForge {
			advice.Notes = append(advice.Notes, fmt.Sprintf(
				"%s servers need a forwarding compatibility mod to accept legacy forwarded identities", server.ServerType))
		}
		advice.Notes = append(advice.Notes, "forwarding mode is fixed to legacy")
	case TypeWaterfall:
		if isForge {
			advice.Notes = append(advice.Notes, "prefer modern forwarding with a backend support mod for Forge servers")
		}
	case TypeRustyConnector:
		advice.Notes = append(advice.Notes, "server registers dynamically through the shared redis registry, no proxy files are written")
	}
	return advice
}
