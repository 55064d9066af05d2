package vm

// resolveCOW gives the faulting process a writable mapping of a shared
// copy-on-write page. A frame that is no longer shared is reclaimed in
// place; otherwise the content is copied to a new frame and one reference
// on the shared frame is dropped.
func (pm *ProcessMemory) resolveCOW(va uintptr, flags Flags) error {
	frame, ok := pm.space.Translate(va)
	if !ok {
		return ErrInternal("ResolveCOW", "copy-on-write page is not present").withProcess(pm.pid).withAddress(va)
	}
	count, err := pm.env.Frames.RefCount(frame)
	if err != nil {
		return err
	}

	perm := (flags | FlagWritable) &^ FlagCOW
	switch {
	case count == 1:
		if err := pm.space.SetFlags(va, perm); err != nil {
			return ErrInternal("ResolveCOW", err.Error()).withProcess(pm.pid).withAddress(va)
		}
		pm.env.Metrics.RecordCOWReuse()

	case count > 1:
		copyFrame, err := pm.env.Frames.Allocate()
		if err != nil {
			return ErrOutOfMemory("ResolveCOW").withProcess(pm.pid).withAddress(va)
		}
		if err := pm.env.Frames.CopyFrame(copyFrame, frame); err != nil {
			pm.env.Frames.Release(copyFrame)
			return err
		}
		pm.space.Unmap(va)
		if err := pm.space.Map(va, copyFrame, perm); err != nil {
			pm.env.Frames.Release(copyFrame)
			return ErrInternal("ResolveCOW", err.Error()).withProcess(pm.pid).withAddress(va)
		}
		if err := pm.env.Frames.Release(frame); err != nil {
			return err
		}
		pm.cowCopies.Add(1)
		pm.env.Metrics.RecordCOWCopy()

	default:
		return ErrRefcountViolation("ResolveCOW", frame, count).withProcess(pm.pid).withAddress(va)
	}

	pm.space.Activate()
	return nil
}
