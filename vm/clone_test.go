package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameOf(t *testing.T, pm *ProcessMemory, i int) Frame {
	t.Helper()
	f, ok := pm.Space().Translate(pageVA(i))
	require.True(t, ok, "page %d not present", i)
	return f
}

func refCount(t *testing.T, env *Environment, f Frame) int32 {
	t.Helper()
	n, err := env.Frames.RefCount(f)
	require.NoError(t, err)
	return n
}

// TestForkCopyOnWrite tests that a child's writes never reach the parent
func TestForkCopyOnWrite(t *testing.T) {
	parent, env := newTestProcess(t, 3, PolicySCFIFO)
	fillPages(t, parent, 10)
	freeBeforeFork := env.Frames.FreeCount()

	child, err := parent.Fork(4)
	require.NoError(t, err)
	assert.Equal(t, freeBeforeFork, env.Frames.FreeCount(), "fork must not copy frames")

	for i := 0; i < 10; i++ {
		f := frameOf(t, parent, i)
		assert.Equal(t, f, frameOf(t, child, i))
		assert.Equal(t, int32(2), refCount(t, env, f))

		flags, _ := parent.Space().Flags(pageVA(i))
		assert.True(t, flags.Has(FlagCOW))
		assert.False(t, flags.Has(FlagWritable))

		assert.Equal(t, string(pagePattern(i)), loadPattern(t, child, i))
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, child.Store(pageVA(i), pagePattern(100+i)))
		assert.Equal(t, int32(1), refCount(t, env, frameOf(t, parent, i)))
		assert.NotEqual(t, frameOf(t, parent, i), frameOf(t, child, i))
	}
	assert.Equal(t, uint64(10), child.COWCopies())

	for i := 0; i < 10; i++ {
		assert.Equal(t, string(pagePattern(100+i)), loadPattern(t, child, i))
	}

	require.NoError(t, child.Destroy())
	assert.Equal(t, freeBeforeFork, env.Frames.FreeCount())

	for i := 0; i < 10; i++ {
		assert.Equal(t, string(pagePattern(i)), loadPattern(t, parent, i))
	}

	// the parent is the last owner, so its write reclaims the frame in place
	before := frameOf(t, parent, 0)
	require.NoError(t, parent.Store(pageVA(0), []byte("x")))
	assert.Equal(t, before, frameOf(t, parent, 0))
	assert.Equal(t, uint64(1), env.Metrics.GetCOWReuses())
	assert.Equal(t, uint64(0), parent.COWCopies())
}

func TestForkParentWriteLeavesChild(t *testing.T) {
	parent, _ := newTestProcess(t, 3, PolicyAQ)
	fillPages(t, parent, 4)

	child, err := parent.Fork(4)
	require.NoError(t, err)

	require.NoError(t, parent.Store(pageVA(2), []byte("parent!!")))
	assert.Equal(t, string(pagePattern(2)), loadPattern(t, child, 2))
	assert.Equal(t, "parent!!", loadPattern(t, parent, 2))
}

func TestForkReadOnlyPagesStayShared(t *testing.T) {
	parent, env := newTestProcess(t, 3, PolicySCFIFO)
	fillPages(t, parent, 2)
	flags, _ := parent.Space().Flags(pageVA(0))
	require.NoError(t, parent.Space().SetFlags(pageVA(0), flags&^FlagWritable))

	child, err := parent.Fork(4)
	require.NoError(t, err)

	pf, _ := parent.Space().Flags(pageVA(0))
	cf, _ := child.Space().Flags(pageVA(0))
	assert.False(t, pf.Has(FlagCOW))
	assert.False(t, cf.Has(FlagCOW))
	assert.False(t, cf.Has(FlagWritable))
	assert.Equal(t, int32(2), refCount(t, env, frameOf(t, parent, 0)))

	err = child.Store(pageVA(0), []byte("no"))
	assert.True(t, IsErrorCode(err, ErrCodeInvalidAccess))
}

// TestForkGivesChildOwnSwapCopy tests that swapped pages are duplicated
// into the child's swap store at fork
func TestForkGivesChildOwnSwapCopy(t *testing.T) {
	parent, env := newTestProcess(t, 3, PolicySCFIFO)
	fillPages(t, parent, 18)
	require.Equal(t, 2, parent.SwappedCount())

	child, err := parent.Fork(4)
	require.NoError(t, err)

	assert.Equal(t, 16, child.ResidentCount())
	assert.Equal(t, 2, child.SwappedCount())
	assert.Equal(t, 2, child.Swap().Used())
	assert.NotEqual(t, parent.Swap().Name(), child.Swap().Name())

	backing := env.Backing.(*MemoryBackingStore)
	assert.True(t, backing.Exists(child.Swap().Name()))

	for i := 0; i < 18; i++ {
		assert.Equal(t, string(pagePattern(i)), loadPattern(t, child, i), "child page %d", i)
	}
	// the child's swap-ins and evictions left the parent's slots alone
	assert.Equal(t, 2, parent.Swap().Used())
	for i := 0; i < 18; i++ {
		assert.Equal(t, string(pagePattern(i)), loadPattern(t, parent, i), "parent page %d", i)
	}

	require.NoError(t, child.Destroy())
	assert.True(t, backing.Exists(parent.Swap().Name()))
}

func TestForkFailureRestoresParent(t *testing.T) {
	env := newTestEnv(t, PolicySCFIFO, 64)
	failing := &failingBackingStore{MemoryBackingStore: NewMemoryBackingStore()}
	env.Backing = failing
	parent := NewProcessMemory(3, env)
	fillPages(t, parent, 18)

	free := env.Frames.FreeCount()
	var before []Flags
	for i := 0; i < 18; i++ {
		flags, _ := parent.Space().Flags(pageVA(i))
		before = append(before, flags)
	}

	failing.prefix = swapName(4, 0)
	child, err := parent.Fork(4)
	require.Error(t, err)
	assert.Nil(t, child)
	assert.True(t, IsErrorCode(err, ErrCodeSwapIoFailure))

	assert.Equal(t, free, env.Frames.FreeCount())
	for i := 0; i < 18; i++ {
		flags, _ := parent.Space().Flags(pageVA(i))
		assert.Equal(t, before[i], flags, "page %d", i)
		if flags.Has(FlagPresent) {
			assert.Equal(t, int32(1), refCount(t, env, frameOf(t, parent, i)))
		}
	}
	assert.False(t, failing.Exists(swapName(4, 0)))
	assert.Equal(t, uint64(0), env.Metrics.GetForks())
}

func TestForkFromPrivilegedParent(t *testing.T) {
	parent, env := newTestProcess(t, 2, PolicySCFIFO)
	fillPages(t, parent, 20)

	child, err := parent.Fork(3)
	require.NoError(t, err)

	assert.Equal(t, 16, child.ResidentCount())
	assert.Equal(t, 4, child.SwappedCount())
	assert.Equal(t, uint64(4), child.Evictions())

	shared := 0
	for i := 0; i < 20; i++ {
		if refCount(t, env, frameOf(t, parent, i)) == 2 {
			shared++
		}
	}
	assert.Equal(t, 16, shared)

	for i := 0; i < 20; i++ {
		assert.Equal(t, string(pagePattern(i)), loadPattern(t, child, i))
	}
}

func TestCOWOutOfMemory(t *testing.T) {
	env := newTestEnv(t, PolicySCFIFO, 12)
	parent := NewProcessMemory(3, env)
	fillPages(t, parent, 10)

	child, err := parent.Fork(4)
	require.NoError(t, err)
	require.NoError(t, child.Store(pageVA(0), []byte("copy")))

	_, err = env.Frames.Allocate()
	require.NoError(t, err)

	err = child.Store(pageVA(1), []byte("copy"))
	assert.True(t, IsErrorCode(err, ErrCodeOutOfMemory))
	assert.True(t, TerminatesProcess(err))
	assert.Equal(t, string(pagePattern(1)), loadPattern(t, child, 1))
}

func TestCOWZeroRefcountIsFatal(t *testing.T) {
	pm, env := newTestProcess(t, 3, PolicySCFIFO)
	require.NoError(t, pm.AllocatePage(pageVA(0)))

	f := frameOf(t, pm, 0)
	flags, _ := pm.Space().Flags(pageVA(0))
	require.NoError(t, pm.Space().SetFlags(pageVA(0), (flags&^FlagWritable)|FlagCOW))
	require.NoError(t, env.Frames.Release(f))

	err := pm.HandleFault(pageVA(0), AccessWrite, UserMode)
	assert.True(t, IsErrorCode(err, ErrCodeRefcountViolation))
	assert.True(t, IsFatal(err))
}
