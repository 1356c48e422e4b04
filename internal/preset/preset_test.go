package preset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_FallsBackToDefault(t *testing.T) {
	p, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, Default().Target, p.Target)
	require.Len(t, p.Metrics, 1)
}

func TestLoad_ReadsProjectFile(t *testing.T) {
	dir := t.TempDir()
	body := `{
		"metrics": [{"name": "tests", "command": "go test ./...", "weight": 100, "target": 95}],
		"target": 95,
		"maxIterations": 10
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "polish.config.json"), []byte(body), 0o644))

	p, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 10, p.MaxIterations)
	require.Equal(t, 0.5, p.MinImprovement)
	require.Equal(t, 5, p.MaxStalled)
}

func TestLoad_LookupOrder(t *testing.T) {
	dir := t.TempDir()
	// .polish.json should win when polish.config.json is absent.
	body := `{"metrics": [], "target": 90, "maxIterations": 3}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".polish.json"), []byte(body), 0o644))

	p, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 90.0, p.Target)
}

func TestValidate_RejectsMissingCommand(t *testing.T) {
	dir := t.TempDir()
	body := `{"metrics": [{"name": "tests", "command": "", "weight": 100, "target": 95}], "target": 95, "maxIterations": 10}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "polish.config.json"), []byte(body), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
}

func TestValidateSchema_RejectsWrongType(t *testing.T) {
	err := ValidateSchema([]byte(`{"metrics": "not-an-array", "target": 1, "maxIterations": 1}`))
	require.Error(t, err)
}
