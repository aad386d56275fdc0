package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args []string
		want command
	}{
		{args: []string{"up"}, want: command{name: "up"}},
		{args: []string{"version"}, want: command{name: "version"}},
		{args: []string{"down"}, want: command{name: "down", arg: 1}},
		{args: []string{"down", "2"}, want: command{name: "down", arg: 2}},
		{args: []string{"goto", "20261012093000"}, want: command{name: "goto", arg: 20261012093000}},
		{args: []string{"force", "20261014110500"}, want: command{name: "force", arg: 20261014110500}},
	}

	for _, tt := range tests {
		got, err := parseCommand(tt.args)
		require.NoError(t, err, tt.args)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseCommandRejectsBadInput(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"sideways"},
		{"up", "1"},
		{"down", "0"},
		{"down", "many"},
		{"force"},
		{"goto", "-1"},
	} {
		_, err := parseCommand(args)
		require.ErrorIs(t, err, errUsage, args)
	}
}

func TestSourceURL(t *testing.T) {
	url, err := sourceURL("migrations")
	require.NoError(t, err)

	assert.Regexp(t, `^file:///.*migrations$`, url)
}
