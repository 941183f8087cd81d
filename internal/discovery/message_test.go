package discovery

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAnnounceWireFormat(t *testing.T) {
	data, err := Encode(&Announce{
		NodeID:    "node-a",
		Hostname:  "alpha",
		Addresses: []netip.Addr{netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("fd00::2")},
		Port:      8080,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC),
		Version:   "1.0.0",
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"type": "announce",
		"node_id": "node-a",
		"hostname": "alpha",
		"addresses": ["10.0.0.2", "fd00::2"],
		"port": 8080,
		"timestamp": "2026-03-01T12:00:00Z",
		"version": "1.0.0",
		"known_peers": []
	}`, string(data))
}

func TestEncodeGoodbyeWireFormat(t *testing.T) {
	data, err := Encode(&Goodbye{NodeID: "node-a", Reason: "shutdown"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"goodbye","node_id":"node-a","reason":"shutdown"}`, string(data))
}

func TestDecodeMessages(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"announce","node_id":"b","hostname":"beta","addresses":["192.168.1.9"],
		"port":8080,"timestamp":"2026-03-01T12:00:00+02:00","version":"0.1.0","known_peers":["c","d"]}`))
	require.NoError(t, err)
	ann, ok := msg.(*Announce)
	require.True(t, ok)
	assert.Equal(t, "b", ann.NodeID)
	assert.Equal(t, []string{"c", "d"}, ann.KnownPeers)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), ann.Timestamp.UTC())

	info := ann.Info()
	assert.Equal(t, "beta", info.Hostname)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.168.1.9")}, info.Addresses)

	msg, err = Decode([]byte(`{"type":"goodbye","node_id":"b","reason":"shutdown"}`))
	require.NoError(t, err)
	assert.Equal(t, &Goodbye{NodeID: "b", Reason: "shutdown"}, msg)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"not json", `hello`, ErrMalformedMessage},
		{"no type", `{"node_id":"a"}`, ErrMalformedMessage},
		{"unknown type", `{"type":"join","node_id":"a"}`, ErrUnknownMessageType},
		{"announce without id", `{"type":"announce","hostname":"x"}`, ErrMalformedMessage},
		{"goodbye without id", `{"type":"goodbye"}`, ErrMalformedMessage},
		{"bad address", `{"type":"announce","node_id":"a","addresses":["nope"]}`, ErrMalformedMessage},
		{"bad timestamp", `{"type":"announce","node_id":"a","timestamp":"yesterday"}`, ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeRejectsForeignMessage(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}
