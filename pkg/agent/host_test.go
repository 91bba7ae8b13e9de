package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectHostInfo(t *testing.T) {
	info, err := CollectHostInfo(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, info.Hostname)
	assert.NotEmpty(t, info.OS)
	assert.Greater(t, info.CPUs, 0)
	assert.Greater(t, MemoryMiB(info.MemoryTotal), uint64(0))
}

func TestMemoryMiB(t *testing.T) {
	assert.Equal(t, uint64(0), MemoryMiB(1024))
	assert.Equal(t, uint64(2), MemoryMiB(2*1024*1024))
}
