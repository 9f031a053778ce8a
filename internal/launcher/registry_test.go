package launcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect_ExplicitSubprocess(t *testing.T) {
	l, err := Select(context.Background(), "subprocess", "feat", t.TempDir(), "", nil)
	require.NoError(t, err)
	_, ok := l.(*SubprocessLauncher)
	assert.True(t, ok)
}

func TestSelect_ExplicitContainerRequiresClient(t *testing.T) {
	_, err := Select(context.Background(), "container", "feat", t.TempDir(), "img", nil)
	assert.Error(t, err)
}

func TestSelect_ExplicitContainerWithClient(t *testing.T) {
	fd := newFakeDocker()
	l, err := Select(context.Background(), "container", "feat", t.TempDir(), "img", fd)
	require.NoError(t, err)
	_, ok := l.(*ContainerLauncher)
	assert.True(t, ok)
}

func TestSelect_UnknownModeIsConfigurationError(t *testing.T) {
	_, err := Select(context.Background(), "bogus", "feat", t.TempDir(), "", nil)
	assert.Error(t, err)
}

func TestSelect_AutoFallsBackToSubprocessWithoutDevcontainer(t *testing.T) {
	l, err := Select(context.Background(), "auto", "feat", t.TempDir(), "img", newFakeDocker())
	require.NoError(t, err)
	_, ok := l.(*SubprocessLauncher)
	assert.True(t, ok)
}
