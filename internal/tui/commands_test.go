package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandForms(t *testing.T) {
	tests := []struct {
		line string
		kind EventKind
	}{
		{"q", EventQuit},
		{"quit", EventQuit},
		{"h", EventHelp},
		{"help", EventHelp},
		{"c 02:00:00:00:00:02", EventConnect},
		{"connect 02:00:00:00:00:02", EventConnect},
		{"d 02:00:00:00:00:02", EventDisconnect},
		{"r 0x100", EventRead},
		{"read 0x100", EventRead},
		{"w 0x100 0xdead", EventWrite},
		{"cr 0x100", EventCacheRead},
		{"cw 0x100 0x1", EventCacheWrite},
		{"cd 0x100", EventCacheRelease},
		{"cda", EventCacheReleaseAll},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ev, err := ParseCommand(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
		})
	}
}

func TestParseCommandValues(t *testing.T) {
	ev, err := ParseCommand("w 0xAB00 0xDEADBEEF")
	require.NoError(t, err)
	assert.Equal(t, uint64(0xAB00), ev.Addr)
	assert.Equal(t, uint64(0xDEADBEEF), ev.Data)

	ev, err = ParseCommand("c 02:00:00:00:00:07")
	require.NoError(t, err)
	assert.Equal(t, "02:00:00:00:00:07", ev.MAC.String())
}

func TestParseCommandRejectsGarbage(t *testing.T) {
	for _, line := range []string{
		"",
		"x",
		"read 100",      // missing 0x prefix
		"w 0x100",       // missing data
		"connect",       // missing MAC
		"r 0x100 extra", // trailing junk
	} {
		_, err := ParseCommand(line)
		assert.Error(t, err, "line %q must not parse", line)
	}
}

func TestParseCommandBadMac(t *testing.T) {
	_, err := ParseCommand("c 02:00")
	var invalidMac *InvalidMacError
	assert.ErrorAs(t, err, &invalidMac)
}
