package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/pkg/model"
)

func TestContainerSpec(t *testing.T) {
	cfg := DockerConfig{
		Image:     "tandem/role:latest",
		Command:   []string{"python", "-m", "role"},
		Env:       []string{"HF_HOME=/cache"},
		GPUDriver: "nvidia",
	}
	batch := &model.Batch{ID: "b-1", Step: 7, Tokens: 2048}

	config, host := containerSpec(cfg, "critic_pool", 1, 4, model.Device{Node: 1, Index: 3}, "update_critic", batch)

	assert.Equal(t, "tandem/role:latest", config.Image)
	assert.Equal(t, []string{"python", "-m", "role", "update_critic"}, []string(config.Cmd))
	assert.Contains(t, config.Env, "TANDEM_OP=update_critic")
	assert.Contains(t, config.Env, "TANDEM_RANK=1")
	assert.Contains(t, config.Env, "TANDEM_WORLD_SIZE=4")
	assert.Contains(t, config.Env, "TANDEM_BATCH_ID=b-1")
	assert.Contains(t, config.Env, "TANDEM_STEP=7")
	assert.Contains(t, config.Env, "TANDEM_TOKENS=2048")
	assert.Contains(t, config.Env, "HF_HOME=/cache")
	assert.Equal(t, "critic_pool", config.Labels["tandem.pool"])

	require.Len(t, host.DeviceRequests, 1)
	req := host.DeviceRequests[0]
	assert.Equal(t, "nvidia", req.Driver)
	assert.Equal(t, []string{"3"}, req.DeviceIDs)
	assert.Equal(t, [][]string{{"gpu"}}, req.Capabilities)

	// 命令前缀不能被追加操作名污染
	assert.Equal(t, []string{"python", "-m", "role"}, cfg.Command)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("  abc\n", 10))
	assert.Equal(t, "cde", tail("abcde", 3))
	assert.Equal(t, "0123456789ab", shortID("0123456789abcdef"))
}
