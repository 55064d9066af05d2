package vm

// ExecImage is an exec in progress. It holds the paging context the
// process had before exec until the new image is committed or abandoned.
type ExecImage struct {
	pm *ProcessMemory

	space AddressSpace
	table *RecordTable
	swap  *SwapStore
	gen   int

	faults, evictions, swapIns, cowCopies uint64

	done bool
}

// BeginExec sets the current paging context aside and installs an empty
// one on space, or on a new address space when space is nil. Counters
// restart from zero and a fresh swap file generation is used.
func (pm *ProcessMemory) BeginExec(space AddressSpace) (*ExecImage, error) {
	pm.enter("BeginExec")
	defer pm.leave()

	if space == nil {
		space = pm.env.space()
	}
	img := &ExecImage{
		pm:        pm,
		space:     pm.space,
		table:     pm.table,
		swap:      pm.swap,
		gen:       pm.gen,
		faults:    pm.faults.Swap(0),
		evictions: pm.evictions.Swap(0),
		swapIns:   pm.swapIns.Swap(0),
		cowCopies: pm.cowCopies.Swap(0),
	}

	pm.gen++
	pm.space = space
	pm.table = NewRecordTable(pm.env.Limits.MaxTotalPages)
	pm.table.Reset(pm.initialCounter())
	pm.swap = pm.newSwap(pm.gen)
	pm.space.Activate()
	return img, nil
}

// Commit makes the new image permanent and tears down the old context
func (img *ExecImage) Commit() error {
	pm := img.pm
	pm.enter("ExecCommit")
	defer pm.leave()

	if img.done {
		return ErrInternal("ExecCommit", "exec already finished")
	}
	img.done = true
	return pm.teardown(img.space, img.table, img.swap)
}

// Abort discards the new image and reinstates the saved context exactly
// as it was before exec.
func (img *ExecImage) Abort() error {
	pm := img.pm
	pm.enter("ExecAbort")
	defer pm.leave()

	if img.done {
		return ErrInternal("ExecAbort", "exec already finished")
	}
	img.done = true
	err := pm.teardown(pm.space, pm.table, pm.swap)

	pm.space = img.space
	pm.table = img.table
	pm.swap = img.swap
	pm.gen = img.gen
	pm.faults.Store(img.faults)
	pm.evictions.Store(img.evictions)
	pm.swapIns.Store(img.swapIns)
	pm.cowCopies.Store(img.cowCopies)
	pm.space.Activate()
	return err
}
