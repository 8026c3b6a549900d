package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vkngwrapper/vulkan-engine/config"
)

// generated returns the outputs of the glslc directives in main.go, keyed
// by output path, with their source file.
func generated(t *testing.T) map[string]string {
	t.Helper()
	src, err := os.ReadFile("main.go")
	require.NoError(t, err)

	outputs := map[string]string{}
	for _, line := range strings.Split(string(src), "\n") {
		if !strings.HasPrefix(line, "//go:generate glslc ") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "//go:generate "))
		require.Len(t, fields, 4, line)
		require.Equal(t, "-o", fields[2], line)
		outputs[fields[3]] = fields[1]
	}
	return outputs
}

func shaderPaths(s config.Shaders) []string {
	return []string{s.Vertex, s.Fragment, s.Compute}
}

func TestShadersAreGenerated(t *testing.T) {
	outputs := generated(t)
	require.Len(t, outputs, 3)

	for _, path := range shaderPaths(config.Default().Shaders) {
		source, ok := outputs[path]
		if assert.True(t, ok, "no go:generate step writes %s", path) {
			_, err := os.Stat(source)
			assert.NoError(t, err, "shader source for %s", path)
		}
	}
}

func TestSampleConfig(t *testing.T) {
	cfg, err := config.Load("config.toml")
	require.NoError(t, err)

	outputs := generated(t)
	for _, path := range shaderPaths(cfg.Shaders) {
		assert.Contains(t, outputs, filepath.ToSlash(path))
	}
}
