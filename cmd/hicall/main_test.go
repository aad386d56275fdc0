package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		userID  string
		wantErr bool
	}{
		{name: "call", args: []string{"call", "bob"}, userID: "alice"},
		{name: "listen", args: []string{"listen"}, userID: "alice"},
		{name: "history", args: []string{"history"}, userID: "alice"},
		{name: "missing user", args: []string{"listen"}, wantErr: true},
		{name: "no command", userID: "alice", wantErr: true},
		{name: "call without peer", args: []string{"call"}, userID: "alice", wantErr: true},
		{name: "call self", args: []string{"call", "alice"}, userID: "alice", wantErr: true},
		{name: "unknown command", args: []string{"dial", "bob"}, userID: "alice", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateArgs(tt.args, tt.userID)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			assert.NoError(t, err)
		})
	}
}

func TestValidateArgsWrapsUsageError(t *testing.T) {
	err := validateArgs([]string{"dial"}, "alice")
	require.ErrorIs(t, err, errUsage)
	assert.Contains(t, err.Error(), `"dial"`)
}
