package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stangirard/polish/internal/session"
)

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	SetPath(filepath.Join(dir, "projects.yaml"))
	t.Cleanup(func() { SetPath("") })
	return dir
}

func TestTouchAndList(t *testing.T) {
	setup(t)

	Touch("/tmp/project-a")
	Touch("/tmp/project-b")

	projects, err := List()
	require.NoError(t, err)
	assert.Len(t, projects, 2)

	// Most recently touched should be first.
	assert.Equal(t, "/tmp/project-b", projects[0].Path)
	assert.Equal(t, "project-b", projects[0].Name)
	assert.Equal(t, "/tmp/project-a", projects[1].Path)
}

func TestTouchUpserts(t *testing.T) {
	setup(t)

	Touch("/tmp/project-a")
	Touch("/tmp/project-b")
	Touch("/tmp/project-a") // update last_used

	projects, err := List()
	require.NoError(t, err)
	assert.Len(t, projects, 2)
	assert.Equal(t, "/tmp/project-a", projects[0].Path) // most recent
}

func TestRemove(t *testing.T) {
	setup(t)

	Touch("/tmp/project-a")
	Touch("/tmp/project-b")

	err := Remove("/tmp/project-a")
	require.NoError(t, err)

	projects, err := List()
	require.NoError(t, err)
	assert.Len(t, projects, 1)
	assert.Equal(t, "/tmp/project-b", projects[0].Path)
}

func TestListSessionsAcrossProjects(t *testing.T) {
	dir := setup(t)

	projA := filepath.Join(dir, "project-a")
	projB := filepath.Join(dir, "project-b")

	storeA := session.NewStore(projA)
	require.NoError(t, storeA.SaveMeta(session.Session{ID: "a1", ProjectPath: projA, StartedAt: time.Now(), UpdatedAt: time.Now()}))

	storeB := session.NewStore(projB)
	require.NoError(t, storeB.SaveMeta(session.Session{ID: "b1", ProjectPath: projB, StartedAt: time.Now(), UpdatedAt: time.Now()}))

	Touch(projA)
	Touch(projB)

	projSessions, err := ListSessions()
	require.NoError(t, err)
	assert.Len(t, projSessions, 2)

	total := 0
	for _, ps := range projSessions {
		total += len(ps.Sessions)
	}
	assert.Equal(t, 2, total)
}

func TestListEmptyRegistry(t *testing.T) {
	setup(t)

	projects, err := List()
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestListSessionsSkipsMissingProjects(t *testing.T) {
	setup(t)

	Touch("/nonexistent/project")

	projSessions, err := ListSessions()
	require.NoError(t, err)
	assert.Empty(t, projSessions)
}
