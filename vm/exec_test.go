package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecAbortRestoresContext(t *testing.T) {
	pm, env := newTestProcess(t, 3, PolicySCFIFO)
	fillPages(t, pm, 18)
	pm.HandleFault(pageVA(60), AccessRead, UserMode)

	free := env.Frames.FreeCount()
	faults := pm.Faults()
	oldSpace := pm.Space()
	oldOrder := pm.Table().ResidentAddresses()
	oldSwap := pm.Swap().Name()

	img, err := pm.BeginExec(nil)
	require.NoError(t, err)

	assert.NotSame(t, oldSpace, pm.Space())
	assert.Equal(t, 0, pm.ResidentCount())
	assert.Equal(t, 0, pm.SwappedCount())
	assert.Equal(t, uint64(0), pm.Faults())
	assert.NotEqual(t, oldSwap, pm.Swap().Name())

	// a new image that pushes pages to its own swap file
	for i := 0; i < 17; i++ {
		require.NoError(t, pm.AllocatePage(pageVA(i)))
	}
	newSwap := pm.Swap().Name()

	require.NoError(t, img.Abort())

	assert.Same(t, oldSpace, pm.Space())
	assert.Equal(t, 16, pm.ResidentCount())
	assert.Equal(t, 2, pm.SwappedCount())
	assert.Equal(t, faults, pm.Faults())
	assert.Equal(t, oldOrder, pm.Table().ResidentAddresses())
	assert.Equal(t, oldSwap, pm.Swap().Name())
	assert.Equal(t, free, env.Frames.FreeCount())

	backing := env.Backing.(*MemoryBackingStore)
	assert.False(t, backing.Exists(newSwap))
	for i := 0; i < 18; i++ {
		assert.Equal(t, string(pagePattern(i)), loadPattern(t, pm, i))
	}

	assert.Error(t, img.Commit())
}

func TestExecCommitDropsOldContext(t *testing.T) {
	pm, env := newTestProcess(t, 3, PolicySCFIFO)
	total := env.Frames.FreeCount()
	fillPages(t, pm, 18)
	oldSwap := pm.Swap().Name()

	img, err := pm.BeginExec(nil)
	require.NoError(t, err)
	require.NoError(t, pm.AllocatePage(pageVA(0)))
	require.NoError(t, pm.AllocatePage(pageVA(1)))
	require.NoError(t, img.Commit())

	assert.Equal(t, total-2, env.Frames.FreeCount())
	assert.Equal(t, 2, pm.ResidentCount())
	assert.Equal(t, 0, pm.SwappedCount())

	backing := env.Backing.(*MemoryBackingStore)
	assert.False(t, backing.Exists(oldSwap))

	assert.Error(t, img.Abort())

	// the new image pages are zeroed, not the old contents
	buf := make([]byte, 4)
	require.NoError(t, pm.Load(pageVA(0), buf))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
}
