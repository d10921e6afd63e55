package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Empty(t, cfg.Zilliz.Endpoint)
	assert.Equal(t, "chat_documents", cfg.Zilliz.CollectionName)
	assert.Equal(t, "file", cfg.Status.Backend)
}

func TestLoadFlagsOverride(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("workspace", "", "")
	flags.Int("max-jobs", 0, "")
	require.NoError(t, flags.Parse([]string{"--workspace=/tmp/rag-test/", "--max-jobs=7"}))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/rag-test", cfg.Workspace.Root)
	assert.Equal(t, 7, cfg.Worker.MaxJobs)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DOCCHAT_ZILLIZ_ENDPOINT", "milvus:19530")
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "milvus:19530", cfg.Zilliz.Endpoint)
}
