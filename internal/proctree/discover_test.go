package proctree

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTree is a scripted process table. dead pids are absent everywhere.
type fakeTree struct {
	children map[int][]int
	exe      map[int]string
	cmdline  map[int][]string
	dead     map[int]bool
}

func newFakeTree() *fakeTree {
	return &fakeTree{
		children: map[int][]int{},
		exe:      map[int]string{},
		cmdline:  map[int][]string{},
		dead:     map[int]bool{},
	}
}

func (f *fakeTree) add(parent, pid int, exe string, cmdline ...string) {
	f.children[parent] = append(f.children[parent], pid)
	f.exe[pid] = exe
	f.cmdline[pid] = cmdline
}

func (f *fakeTree) Children(pid int) ([]int, error) { return f.children[pid], nil }
func (f *fakeTree) Exe(pid int) (string, error)     { return f.exe[pid], nil }
func (f *fakeTree) Cmdline(pid int) ([]string, error) {
	return f.cmdline[pid], nil
}
func (f *fakeTree) Alive(pid int) bool { return !f.dead[pid] }

func noSleep(time.Duration) {}

func TestFindDescendantDirectChild(t *testing.T) {
	tree := newFakeTree()
	tree.add(100, 101, "/usr/bin/my_app")

	pid, found, err := FindDescendant(tree, 100, "/tmp/sysroot/bin/my_app", DiscoverOptions{Sleep: noSleep})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 101, pid)
}

func TestFindDescendantNestedTwoLevels(t *testing.T) {
	tree := newFakeTree()
	tree.add(100, 101, "/usr/bin/bwrap")
	tree.add(101, 102, "/usr/bin/stdbuf")
	tree.add(102, 103, "/bin/my_app")

	pid, found, err := FindDescendant(tree, 100, "/bin/my_app", DiscoverOptions{Sleep: noSleep})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 103, pid)
}

func TestFindDescendantIgnoresSimilarSibling(t *testing.T) {
	tree := newFakeTree()
	tree.add(100, 101, "/bin/my_app_helper")
	tree.add(100, 102, "/bin/my_app")

	pid, found, err := FindDescendant(tree, 100, "/bin/my_app", DiscoverOptions{Sleep: noSleep})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 102, pid)
}

func TestFindDescendantWrapperTool(t *testing.T) {
	tree := newFakeTree()
	// The target runs beneath valgrind, so its exe is valgrind's and only
	// the command line reveals the wrapped binary.
	tree.add(100, 101, "/usr/bin/valgrind",
		"/usr/bin/valgrind", "--tool=memcheck", "/bin/my_app")

	pid, found, err := FindDescendant(tree, 100, "/bin/my_app", DiscoverOptions{Sleep: noSleep})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 101, pid)
}

func TestFindDescendantRootExitedIsBenign(t *testing.T) {
	tree := newFakeTree()
	tree.dead[100] = true

	pid, found, err := FindDescendant(tree, 100, "/bin/my_app", DiscoverOptions{Sleep: noSleep})
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, pid)
}

func TestFindDescendantBudgetExhausted(t *testing.T) {
	tree := newFakeTree()
	tree.add(100, 101, "/bin/unrelated")

	slept := 0
	opts := DiscoverOptions{
		RetryCount: 3,
		RetryDelay: time.Millisecond,
		Sleep:      func(time.Duration) { slept++ },
	}
	_, found, err := FindDescendant(tree, 100, "/bin/my_app", opts)
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
	assert.False(t, found)
	assert.Equal(t, 3, slept)
}

func TestFindDescendantAppearsAfterRetries(t *testing.T) {
	tree := newFakeTree()
	attempts := 0
	opts := DiscoverOptions{
		RetryCount: 10,
		RetryDelay: time.Millisecond,
		Sleep: func(time.Duration) {
			attempts++
			if attempts == 2 {
				tree.add(100, 101, "/bin/my_app")
			}
		},
	}
	pid, found, err := FindDescendant(tree, 100, "/bin/my_app", opts)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 101, pid)
	assert.Equal(t, 2, attempts)
}
