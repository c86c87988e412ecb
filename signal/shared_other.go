//go:build !unix

package signal

import "errors"

// ErrSharedUnsupported is returned on platforms without shared mappings.
var ErrSharedUnsupported = errors.New("shared signal storage is not supported")

// SharedStorage is not available on this platform.
type SharedStorage struct{}

// CreateShared always fails on this platform.
func CreateShared(Properties) (*SharedStorage, error) {
	return nil, ErrSharedUnsupported
}

// OpenShared always fails on this platform.
func OpenShared(string, Properties) (*SharedStorage, error) {
	return nil, ErrSharedUnsupported
}

// Name returns empty string.
func (*SharedStorage) Name() string { return "" }

// Fits always reports false.
func (*SharedStorage) Fits(Properties) bool { return false }

// Write always fails.
func (*SharedStorage) Write(Float64) error { return ErrSharedUnsupported }

// Read always fails.
func (*SharedStorage) Read(Float64) error { return ErrSharedUnsupported }

// Close does nothing.
func (*SharedStorage) Close() error { return nil }
