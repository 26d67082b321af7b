package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoforge/autoforge/pkg/container"
)

func TestMaterializeWritesContainerFilesToDisk(t *testing.T) {
	root := t.TempDir()
	c := container.New("proj-1", map[string][]byte{"main.py": []byte("print(1)\n")}, nil)
	w := New(root, "task-1")

	require.NoError(t, w.Materialize(c))

	data, err := os.ReadFile(filepath.Join(root, "task-1", "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print(1)\n", string(data))
}

func TestOnFileChangedMirrorsAddAndDelete(t *testing.T) {
	root := t.TempDir()
	w := New(root, "task-1")
	require.NoError(t, w.Ensure())

	w.OnFileChanged("pkg/a.py", []byte("x = 1\n"), false)
	path := filepath.Join(root, "task-1", "pkg", "a.py")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(data))

	w.OnFileChanged("pkg/a.py", nil, true)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSyncToContainerDetectsChangesAndRemovals(t *testing.T) {
	root := t.TempDir()
	c := container.New("proj-1", map[string][]byte{
		"main.py": []byte("a = 1\n"),
		"stale.py": []byte("b = 2\n"),
	}, nil)
	w := New(root, "task-1")
	require.NoError(t, w.Materialize(c))

	require.NoError(t, os.WriteFile(filepath.Join(root, "task-1", "main.py"), []byte("a = 2\n"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(root, "task-1", "stale.py")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "task-1", "__pycache__"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "task-1", "__pycache__", "main.cpython.pyc"), []byte("junk"), 0o644))

	result, err := w.SyncToContainer(c)
	require.NoError(t, err)
	assert.Contains(t, result.Changed, "main.py")
	assert.Contains(t, result.Removed, "stale.py")

	files := c.Files()
	assert.Equal(t, "a = 2\n", string(files["main.py"].Content))
	assert.NotContains(t, files, "stale.py")
	assert.NotContains(t, files, "__pycache__/main.cpython.pyc")
}

func TestResolveTargetRejectsTraversal(t *testing.T) {
	w := New(t.TempDir(), "task-1")
	_, err := w.resolveTarget("../../etc/passwd")
	assert.Error(t, err)
}
