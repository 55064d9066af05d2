package vm

// Load copies len(buf) bytes starting at user address va into buf. Every
// page touched gets its accessed bit set; a page that is not usable takes
// a user-mode fault and the access is retried once.
func (pm *ProcessMemory) Load(va uintptr, buf []byte) error {
	pm.enter("Load")
	defer pm.leave()
	return pm.access(va, buf, AccessRead)
}

// Store copies data to user address va, resolving copy-on-write and
// swapped pages through the fault path.
func (pm *ProcessMemory) Store(va uintptr, data []byte) error {
	pm.enter("Store")
	defer pm.leave()
	return pm.access(va, data, AccessWrite)
}

func (pm *ProcessMemory) access(va uintptr, p []byte, access Access) error {
	for len(p) > 0 {
		page := PageRoundDown(va)
		off := int(va - page)
		n := min(PageSize-off, len(p))

		frame, err := pm.translateUser(page, access)
		if err != nil {
			return err
		}
		if access == AccessWrite {
			err = pm.env.Frames.WriteFrameAt(frame, off, p[:n])
		} else {
			err = pm.env.Frames.ReadFrameAt(frame, off, p[:n])
		}
		if err != nil {
			return err
		}

		p = p[n:]
		va += uintptr(n)
	}
	return nil
}

// translateUser walks the page table the way the hardware would for a user
// reference, faulting at most once.
func (pm *ProcessMemory) translateUser(page uintptr, access Access) (Frame, error) {
	for attempt := 0; ; attempt++ {
		flags, ok := pm.space.Flags(page)
		if ok && flags.Has(FlagPresent|FlagUser) && (access == AccessRead || flags.Has(FlagWritable)) {
			frame, _ := pm.space.Translate(page)
			if !flags.Has(FlagAccessed) {
				pm.space.SetFlags(page, flags|FlagAccessed)
			}
			return frame, nil
		}
		if attempt > 0 {
			return InvalidFrame, ErrInvalidAccess("Access", pm.pid, page)
		}
		if err := pm.handleFault(page, access, UserMode); err != nil {
			return InvalidFrame, err
		}
	}
}
