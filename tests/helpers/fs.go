package helpers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// WriteWatchFile places a file in the project directory of the watch
// folder provided, returning the path of the file.
func WriteWatchFile(t *testing.T, watchDir string, projectID string, filename string, contents []byte) string {
	projectDir := filepath.Join(watchDir, projectID)
	require.NoError(t, os.MkdirAll(projectDir, os.ModePerm), "failed to create project directory in watch folder")

	path := filepath.Join(projectDir, filename)
	require.NoError(t, os.WriteFile(path, contents, 0o644), "failed to create file in watch folder")
	return path
}
