package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteConfig(t *testing.T) {
	path := WriteConfig(t, "limiter:\n  store_type: memory\n")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "limiter:\n  store_type: memory\n", string(data))
}

func TestRedis(t *testing.T) {
	mr, client := Redis(t)
	ctx := context.Background()

	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	assert.True(t, mr.Exists("k"))

	mr.Close()
	assert.Error(t, client.Ping(ctx).Err())
}
