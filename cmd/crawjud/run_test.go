package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadJobConfigMergesFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pid":"FILE0001","category":"capa","system":"pje","input":"a.xlsx","options":{"login":"false"}}`), 0644))

	runInput, runOptions = "b.xlsx", map[string]string{"timeout": "10s"}
	defer func() { runInput, runOptions = "", nil }()

	jc, err := readJobConfig([]string{path})
	require.NoError(t, err)
	assert.Equal(t, "FILE0001", jc.PID)
	assert.Equal(t, "b.xlsx", jc.Input)
	assert.Equal(t, map[string]string{"login": "false", "timeout": "10s"}, jc.Options)
}

func TestReadJobConfigFromFlagsOnly(t *testing.T) {
	runCategory, runSystem = "capa", "pje"
	defer func() { runCategory, runSystem = "", "" }()

	jc, err := readJobConfig(nil)
	require.NoError(t, err)
	assert.Len(t, jc.PID, 8)
	assert.Equal(t, "capa", jc.Category)
	assert.Nil(t, jc.Options)

	_, err = readJobConfig([]string{filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}
