package pm

import (
	"io"
	"os"
)

// LoadFile reads an entire PM image file into a freshly allocated Region,
// the offline stand-in for mapping a PM device into the process address
// space (real PMFS maps the device directly; pmfsutil instead works against
// a snapshot of the image file on disk).
func LoadFile(path string) (*Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	r := NewRegion(int(fi.Size()))
	if _, err := io.ReadFull(f, r.data); err != nil {
		return nil, err
	}
	return r, nil
}

// SaveFile writes the region's full contents back out to path, truncating
// or creating it as needed.
func (r *Region) SaveFile(path string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(r.data); err != nil {
		return err
	}
	return f.Sync()
}
