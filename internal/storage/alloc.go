package storage

import "os"

// allocate reserves length bytes for fh, matching the preallocate-by-Truncate
// idiom used for on-disk layer files elsewhere in the stack: Truncate extends
// the file to length without writing the new bytes, and a file already at
// least length bytes long is left unchanged.
func allocate(fh *os.File, length int64) error {
	if length == 0 {
		return nil
	}
	fi, err := fh.Stat()
	if err != nil {
		return err
	}
	if fi.Size() >= length {
		return nil
	}
	return fh.Truncate(length)
}
