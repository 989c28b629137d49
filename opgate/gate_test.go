package opgate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrentRequestsOnlyOneRuns(t *testing.T) {
	gate := New()
	const n = 16

	release := make(chan struct{})
	started := make(chan struct{})
	var inFlight, maxInFlight, busy, ran atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := gate.WithOperation(context.Background(), FetchingDeviceInfo, func(ctx context.Context) error {
				cur := inFlight.Add(1)
				if cur > maxInFlight.Load() {
					maxInFlight.Store(cur)
				}
				ran.Add(1)
				close(started)
				<-release
				inFlight.Add(-1)
				return nil
			})
			if errors.Is(err, ErrBusy) {
				busy.Add(1)
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("No operation started")
	}

	// Every other request must fail fast while the first holds the gate
	deadline := time.After(time.Second)
	for busy.Load() < n-1 {
		select {
		case <-deadline:
			t.Fatalf("Expected %d busy results, got %d", n-1, busy.Load())
		case <-time.After(time.Millisecond):
		}
	}
	close(release)
	wg.Wait()

	if ran.Load() != 1 {
		t.Errorf("Expected exactly 1 operation to run, got %d", ran.Load())
	}
	if maxInFlight.Load() != 1 {
		t.Errorf("Expected max 1 concurrent operation, got %d", maxInFlight.Load())
	}
	if gate.Current() != Idle {
		t.Errorf("Gate should be Idle after completion, got %s", gate.Current())
	}
}

func TestBusyErrorNamesCurrentOperation(t *testing.T) {
	gate := New()
	err := gate.WithOperation(context.Background(), DownloadingFile, func(ctx context.Context) error {
		inner := gate.WithOperation(ctx, DeletingFile, func(context.Context) error { return nil })
		var be *BusyError
		if !errors.As(inner, &be) {
			t.Fatalf("Expected *BusyError, got %v", inner)
		}
		if be.Current != DownloadingFile || be.Requested != DeletingFile {
			t.Errorf("Unexpected busy error: %+v", be)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Outer operation failed: %v", err)
	}
}

func TestIdleRestoredOnErrorAndPanic(t *testing.T) {
	gate := New()
	boom := errors.New("boom")

	if err := gate.WithOperation(context.Background(), FetchingFileList, func(context.Context) error { return boom }); err != boom {
		t.Fatalf("Expected body error, got %v", err)
	}
	if gate.Current() != Idle {
		t.Fatalf("Expected Idle after error, got %s", gate.Current())
	}

	func() {
		defer func() { recover() }()
		gate.WithOperation(context.Background(), FetchingFileList, func(context.Context) error { panic("kaboom") })
	}()
	if gate.Current() != Idle {
		t.Fatalf("Expected Idle after panic, got %s", gate.Current())
	}
}

func TestTryWithOperationSkipsWhenBusy(t *testing.T) {
	gate := New()
	hold := make(chan struct{})
	holding := make(chan struct{})
	go gate.WithOperation(context.Background(), DownloadingFile, func(context.Context) error {
		close(holding)
		<-hold
		return nil
	})
	<-holding

	ran, err := gate.TryWithOperation(context.Background(), SendingTime, func(context.Context) error {
		t.Error("Body must not run while another operation is in flight")
		return nil
	})
	if ran || err != nil {
		t.Errorf("Expected skipped (false, nil), got (%v, %v)", ran, err)
	}
	close(hold)

	deadline := time.After(time.Second)
	for gate.Current() != Idle {
		select {
		case <-deadline:
			t.Fatal("Gate never returned to Idle")
		case <-time.After(time.Millisecond):
		}
	}

	ran, err = gate.TryWithOperation(context.Background(), SendingTime, func(context.Context) error { return nil })
	if !ran || err != nil {
		t.Errorf("Expected (true, nil) on idle gate, got (%v, %v)", ran, err)
	}
}

func TestRejectsIdleKindAndCancelledContext(t *testing.T) {
	gate := New()
	if err := gate.WithOperation(context.Background(), Idle, func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for Idle kind")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := gate.WithOperation(ctx, SendingTime, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
