//go:build unix

package signal

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/rs/xid"
	"golang.org/x/sys/unix"
)

// SharedStorage is a block-sized memory region mapped from a named file.
// The owner creates the region and writes blocks into it, a peer on the
// same host opens it by name and reads them without a copy over the
// connection.
type SharedStorage struct {
	name     string
	channels int
	elements int
	data     []byte
	owner    bool
}

// SharedDir is the directory where shared regions are created.
func SharedDir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// CreateShared creates a region for blocks of provided properties.
func CreateShared(p Properties) (*SharedStorage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	name := filepath.Join(SharedDir(), "bci-"+xid.New().String())
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create shared signal: %w", err)
	}
	defer f.Close()
	size := sharedSize(p)
	if err := f.Truncate(int64(size)); err != nil {
		os.Remove(name)
		return nil, fmt.Errorf("create shared signal: %w", err)
	}
	data, err := mmap(f, size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		os.Remove(name)
		return nil, err
	}
	return &SharedStorage{
		name:     name,
		channels: p.Channels,
		elements: p.Elements,
		data:     data,
		owner:    true,
	}, nil
}

// OpenShared maps an existing region for reading.
func OpenShared(name string, p Properties) (*SharedStorage, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open shared signal: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("open shared signal: %w", err)
	}
	size := sharedSize(p)
	if fi.Size() != int64(size) {
		return nil, fmt.Errorf("%w: shared region %s has %d bytes, need %d", ErrShape, name, fi.Size(), size)
	}
	data, err := mmap(f, size, unix.PROT_READ)
	if err != nil {
		return nil, err
	}
	return &SharedStorage{
		name:     name,
		channels: p.Channels,
		elements: p.Elements,
		data:     data,
	}, nil
}

func sharedSize(p Properties) int {
	// mapping of zero length is not allowed
	if p.IsEmpty() {
		return 8
	}
	return p.Channels * p.Elements * 8
}

func mmap(f *os.File, size, prot int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map shared signal: %w", err)
	}
	return data, nil
}

// Name identifies the region for peers.
func (s *SharedStorage) Name() string {
	return s.name
}

// Fits checks whether region matches properties.
func (s *SharedStorage) Fits(p Properties) bool {
	return s.channels == p.Channels && s.elements == p.Elements
}

// Write stores the block into the region.
func (s *SharedStorage) Write(floats Float64) error {
	if floats.Channels() != s.channels || floats.Elements() != s.elements {
		return fmt.Errorf("%w: write %dx%d into %dx%d region", ErrShape, floats.Channels(), floats.Elements(), s.channels, s.elements)
	}
	pos := 0
	for i := range floats {
		for _, v := range floats[i] {
			binary.LittleEndian.PutUint64(s.data[pos:], math.Float64bits(v))
			pos += 8
		}
	}
	return nil
}

// Read loads the region into the block.
func (s *SharedStorage) Read(floats Float64) error {
	if floats.Channels() != s.channels || floats.Elements() != s.elements {
		return fmt.Errorf("%w: read %dx%d region into %dx%d", ErrShape, s.channels, s.elements, floats.Channels(), floats.Elements())
	}
	pos := 0
	for i := range floats {
		for j := range floats[i] {
			floats[i][j] = math.Float64frombits(binary.LittleEndian.Uint64(s.data[pos:]))
			pos += 8
		}
	}
	return nil
}

// Close unmaps the region. Owner also removes the file.
func (s *SharedStorage) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	if s.owner {
		if rerr := os.Remove(s.name); err == nil {
			err = rerr
		}
	}
	return err
}
