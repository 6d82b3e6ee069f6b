package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/dreamware/fedround/internal/errors"
	"github.com/dreamware/fedround/internal/partition"
)

func TestGetenv(t *testing.T) {
	t.Setenv("FEDROUND_TEST_WORKER_ADDR", ":9001")
	assert.Equal(t, ":9001", getenv("FEDROUND_TEST_WORKER_ADDR", ":9000"))
	assert.Equal(t, ":9000", getenv("FEDROUND_TEST_UNSET", ":9000"))
}

func TestComplete(t *testing.T) {
	const peers = "0=localhost:8080,1=localhost:8081,2=localhost:8082"
	tests := []struct {
		name    string
		args    []string
		envRank string
		rank    int
		valid   bool
	}{
		{
			name:  "rank flag",
			args:  []string{"--rank", "2", "--peers", peers, "--data", "clients.json"},
			rank:  2,
			valid: true,
		},
		{
			name:    "rank from environment",
			args:    []string{"--peers", peers, "--data", "clients.json"},
			envRank: "1",
			rank:    1,
			valid:   true,
		},
		{
			name:    "flag wins over environment",
			args:    []string{"--rank", "2", "--peers", peers, "--data", "clients.json"},
			envRank: "1",
			rank:    2,
			valid:   true,
		},
		{
			name: "missing rank",
			args: []string{"--peers", peers, "--data", "clients.json"},
		},
		{
			name:    "malformed environment rank",
			args:    []string{"--peers", peers, "--data", "clients.json"},
			envRank: "one",
		},
		{
			name: "coordinator rank",
			args: []string{"--rank", "0", "--peers", peers, "--data", "clients.json"},
		},
		{
			name: "missing peers",
			args: []string{"--rank", "1", "--data", "clients.json"},
		},
		{
			name: "missing data",
			args: []string{"--rank", "1", "--peers", peers},
		},
		{
			name: "negative cache budget",
			args: []string{"--rank", "1", "--peers", peers, "--data", "clients.json", "--cache-bytes", "-1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WORKER_RANK", tt.envRank)
			t.Setenv("FEDROUND_PEERS", "")
			t.Setenv("FEDROUND_DATA", "")
			o := newOptions()
			cmd := &cobra.Command{Use: "worker"}
			o.addFlags(cmd)
			require.NoError(t, cmd.ParseFlags(tt.args))

			err := o.complete(cmd)
			if !tt.valid {
				require.Error(t, err)
				assert.True(t, ferrors.ErrInvalidConfig.Equal(err), "%v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.rank, o.rank)
			assert.NotNil(t, o.cfg)
		})
	}
}

func TestCompleteCacheBytes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "default", want: partition.DefaultCacheBytes},
		{name: "budget", args: []string{"--cache-bytes", "4096"}, want: 4096},
		{name: "unbounded", args: []string{"--cache-bytes", "0"}, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WORKER_RANK", "")
			o := newOptions()
			cmd := &cobra.Command{Use: "worker"}
			o.addFlags(cmd)
			args := append([]string{"--rank", "1", "--peers", "0=localhost:8080,1=localhost:8081", "--data", "clients.json"}, tt.args...)
			require.NoError(t, cmd.ParseFlags(args))
			require.NoError(t, o.complete(cmd))
			assert.Equal(t, tt.want, o.cacheBytes)
		})
	}
}

func TestCompleteLogFlags(t *testing.T) {
	t.Setenv("WORKER_RANK", "")
	o := newOptions()
	cmd := &cobra.Command{Use: "worker"}
	o.addFlags(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"--rank", "1", "--peers", "0=a:1,1=b:2", "--data", "clients.json",
		"--log-level", "debug", "--log-file", "worker.log",
	}))
	require.NoError(t, o.complete(cmd))
	assert.Equal(t, "debug", o.cfg.Log.Level)
	assert.Equal(t, "worker.log", o.cfg.Log.File)
}
