package tracker

// WriteCrash persists a crash record. The record type belongs to the caller.
func (w *Writer) WriteCrash(v any) error {
	return WriteJSONAtomic(w.fs, w.CrashPath, v)
}

// ReadCrash loads the crash record into v, reporting false when none exists.
func (w *Writer) ReadCrash(v any) (bool, error) {
	return ReadJSON(w.fs, w.CrashPath, v)
}

func (w *Writer) ClearCrash() error {
	if err := w.fs.Remove(w.CrashPath); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}
