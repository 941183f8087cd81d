package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/wesleywu/routemesh/internal/registry"
)

const (
	TypeAnnounce = "announce"
	TypeGoodbye  = "goodbye"

	// MaxMessageSize is the largest datagram the listener accepts
	MaxMessageSize = 64 * 1024
)

var (
	ErrUnknownMessageType = errors.New("unknown discovery message type")
	ErrMalformedMessage   = errors.New("malformed discovery message")
)

// Message is one of *Announce or *Goodbye
type Message interface {
	Type() string
}

// Announce is the periodic self-advertisement of a node
type Announce struct {
	NodeID     string       `json:"node_id"`
	Hostname   string       `json:"hostname"`
	Addresses  []netip.Addr `json:"addresses"`
	Port       int          `json:"port"`
	Timestamp  time.Time    `json:"timestamp"`
	Version    string       `json:"version"`
	KnownPeers []string     `json:"known_peers"`
}

func (*Announce) Type() string { return TypeAnnounce }

// Info converts the announcement into registry terms
func (a *Announce) Info() registry.NodeInfo {
	return registry.NodeInfo{
		ID:         a.NodeID,
		Hostname:   a.Hostname,
		Addresses:  a.Addresses,
		Port:       a.Port,
		Version:    a.Version,
		Timestamp:  a.Timestamp,
		KnownPeers: a.KnownPeers,
	}
}

// Goodbye is sent best-effort when a node shuts down
type Goodbye struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

func (*Goodbye) Type() string { return TypeGoodbye }

type envelope struct {
	Type string `json:"type"`
}

type announceWire struct {
	Type string `json:"type"`
	Announce
}

type goodbyeWire struct {
	Type string `json:"type"`
	Goodbye
}

// Encode serialises m with its type tag
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *Announce:
		wire := announceWire{Type: TypeAnnounce, Announce: *msg}
		if wire.Addresses == nil {
			wire.Addresses = []netip.Addr{}
		}
		if wire.KnownPeers == nil {
			wire.KnownPeers = []string{}
		}
		wire.Timestamp = wire.Timestamp.UTC().Truncate(time.Second)
		return json.Marshal(wire)
	case *Goodbye:
		return json.Marshal(goodbyeWire{Type: TypeGoodbye, Goodbye: *msg})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessageType, m)
	}
}

// Decode parses a datagram into one of the known message shapes. Unknown
// types return ErrUnknownMessageType; anything unparsable or missing a
// node id returns ErrMalformedMessage.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch env.Type {
	case TypeAnnounce:
		var msg Announce
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if msg.NodeID == "" {
			return nil, fmt.Errorf("%w: announce without node_id", ErrMalformedMessage)
		}
		return &msg, nil
	case TypeGoodbye:
		var msg Goodbye
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if msg.NodeID == "" {
			return nil, fmt.Errorf("%w: goodbye without node_id", ErrMalformedMessage)
		}
		return &msg, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}
