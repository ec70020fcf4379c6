package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleOnly(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	assert.Equal(t, log.InfoLevel, logger.GetLevel())
	logger.Debug("hidden")
	logger.WithField("subject", "subj01").Info("Step 1: loading inputs")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "Step 1: loading inputs")
	assert.Contains(t, out, "subject=subj01")
}

func TestVerboseWithFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "chpseg.log")

	logger, closer, err := New(Options{Verbose: true, File: path}, &buf)
	require.NoError(t, err)
	assert.Equal(t, log.DebugLevel, logger.GetLevel())

	logger.Debug("mri_binarize --i aseg.mgz")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mri_binarize --i aseg.mgz")
	assert.Contains(t, buf.String(), "mri_binarize --i aseg.mgz")
}
