package storagenet

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Fake is an in-memory Client for pipeline/worker unit tests — no live
// storage network endpoint required, matching the ambient stack's
// "in-memory fake... rather than mocks" guidance for pipeline tests.
type Fake struct {
	mu            sync.Mutex
	nextTxID      int
	confirmations map[string]int
	FailUpload    bool // force UploadChunk/FinishUpload to error, for retry tests
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{confirmations: make(map[string]int)}
}

func (f *Fake) StartUpload(_ context.Context, bundleID string, totalSize int64) (*UploadHandle, error) {
	return &UploadHandle{BundleID: bundleID}, nil
}

func (f *Fake) UploadChunk(_ context.Context, handle *UploadHandle, chunk io.Reader, chunkSize int64) error {
	if f.FailUpload {
		return fmt.Errorf("storagenet fake: forced upload failure")
	}
	n, err := io.Copy(io.Discard, chunk)
	if err != nil {
		return err
	}
	if n != chunkSize {
		return fmt.Errorf("storagenet fake: short chunk %d/%d", n, chunkSize)
	}
	return nil
}

func (f *Fake) FinishUpload(_ context.Context, handle *UploadHandle) (string, error) {
	if f.FailUpload {
		return "", fmt.Errorf("storagenet fake: forced finish failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTxID++
	txID := fmt.Sprintf("tx_%d", f.nextTxID)
	f.confirmations[txID] = 0
	return txID, nil
}

// Confirm sets bundleID's confirmation count — a test helper to simulate
// the storage network advancing, not part of the Client interface.
func (f *Fake) Confirm(bundleID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmations[bundleID] = n
}

func (f *Fake) Confirmations(_ context.Context, bundleID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmations[bundleID], nil
}
