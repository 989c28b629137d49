// Package opgate serializes device operations: at most one logical BLE
// operation may be in flight at any instant, system-wide.
package opgate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pirorin215/fastrec-sub000/observe"
)

// Kind identifies the operation currently owning the device
type Kind int

const (
	Idle Kind = iota
	SendingTime
	FetchingDeviceInfo
	FetchingFileList
	FetchingSettings
	SendingSettings
	DownloadingFile
	DeletingFile
)

func (k Kind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case SendingTime:
		return "SendingTime"
	case FetchingDeviceInfo:
		return "FetchingDeviceInfo"
	case FetchingFileList:
		return "FetchingFileList"
	case FetchingSettings:
		return "FetchingSettings"
	case SendingSettings:
		return "SendingSettings"
	case DownloadingFile:
		return "DownloadingFile"
	case DeletingFile:
		return "DeletingFile"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ErrBusy is returned when another operation already owns the device.
// The gate never queues; retrying is the caller's decision.
var ErrBusy = errors.New("device busy: another operation is in flight")

// BusyError names the operation that caused the rejection
type BusyError struct {
	Requested Kind
	Current   Kind
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("cannot start %s: %s in progress", e.Requested, e.Current)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// Gate is the single mutual-exclusion point for device operations. The
// mutex only guards the check-and-set of the kind register; the operation
// body runs outside it, so a second caller fails fast instead of waiting.
type Gate struct {
	mu   sync.Mutex
	kind *observe.Value[Kind]
}

// New creates an idle gate
func New() *Gate {
	return &Gate{kind: observe.NewValue(Idle)}
}

// Current returns the operation kind in flight (Idle when free)
func (g *Gate) Current() Kind {
	return g.kind.Get()
}

// Observe exposes the kind register for observers
func (g *Gate) Observe() *observe.Value[Kind] {
	return g.kind
}

// WithOperation claims the device for kind, runs body and always restores
// Idle, whether body succeeds, fails, panics or is cancelled.
func (g *Gate) WithOperation(ctx context.Context, kind Kind, body func(ctx context.Context) error) error {
	if kind == Idle {
		return fmt.Errorf("opgate: cannot run an operation of kind Idle")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	if err := g.claimLocked(kind); err != nil {
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()

	defer g.release()
	return body(ctx)
}

// TryWithOperation is the non-blocking variant for best-effort jobs: if the
// gate is contended or another operation is in flight, body is skipped and
// ran is false.
func (g *Gate) TryWithOperation(ctx context.Context, kind Kind, body func(ctx context.Context) error) (ran bool, err error) {
	if kind == Idle {
		return false, fmt.Errorf("opgate: cannot run an operation of kind Idle")
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if !g.mu.TryLock() {
		return false, nil
	}
	if g.claimLocked(kind) != nil {
		g.mu.Unlock()
		return false, nil
	}
	g.mu.Unlock()

	defer g.release()
	return true, body(ctx)
}

// Must be called with lock held
func (g *Gate) claimLocked(kind Kind) error {
	if current := g.kind.Get(); current != Idle {
		return &BusyError{Requested: kind, Current: current}
	}
	g.kind.Set(kind)
	return nil
}

func (g *Gate) release() {
	g.mu.Lock()
	g.kind.Set(Idle)
	g.mu.Unlock()
}
