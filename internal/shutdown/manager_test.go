package shutdown

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stopRecorder records the order in which stop functions run.
type stopRecorder struct {
	mu    sync.Mutex
	order []string
}

func (r *stopRecorder) stopFunc(name string, err error) StopFunc {
	return func(ctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, name)
		return err
	}
}

func TestManager_NewManager(t *testing.T) {
	m := NewManager(DefaultConfig(), zerolog.Nop())

	if !m.IsAccepting() {
		t.Error("expected manager to accept traffic initially")
	}
	if m.GetState() != StateRunning {
		t.Errorf("expected state to be running, got %s", m.GetState())
	}

	status := m.GetStatus()
	if status.StartedAt != nil {
		t.Error("expected no start time before shutdown")
	}
	if status.Message != "Server is running normally" {
		t.Errorf("unexpected message %q", status.Message)
	}
}

func TestManager_ShutdownRunsHooksInOrder(t *testing.T) {
	m := NewManager(Config{Timeout: 5 * time.Second}, zerolog.Nop())
	rec := &stopRecorder{}
	m.Register("sweeper", rec.stopFunc("sweeper", nil))
	m.Register("http", rec.stopFunc("http", nil))

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-m.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}

	if m.GetState() != StateComplete {
		t.Errorf("expected state complete, got %s", m.GetState())
	}
	if m.IsAccepting() {
		t.Error("expected not accepting traffic after shutdown")
	}
	if len(rec.order) != 2 || rec.order[0] != "sweeper" || rec.order[1] != "http" {
		t.Errorf("unexpected stop order %v", rec.order)
	}
}

func TestManager_ShutdownCollectsErrors(t *testing.T) {
	m := NewManager(Config{Timeout: 5 * time.Second}, zerolog.Nop())
	rec := &stopRecorder{}
	errStop := errors.New("still busy")
	m.Register("first", rec.stopFunc("first", errStop))
	m.Register("second", rec.stopFunc("second", nil))

	err := m.Shutdown(context.Background())
	if !errors.Is(err, errStop) {
		t.Fatalf("expected stop error, got %v", err)
	}
	if len(rec.order) != 2 {
		t.Errorf("expected every hook to run, got %v", rec.order)
	}

	// Later calls return the first result without running hooks again.
	if err2 := m.Shutdown(context.Background()); !errors.Is(err2, errStop) {
		t.Errorf("expected cached error, got %v", err2)
	}
	if len(rec.order) != 2 {
		t.Errorf("expected hooks to run once, got %v", rec.order)
	}
}

func TestManager_DrainDelay(t *testing.T) {
	m := NewManager(Config{Timeout: 5 * time.Second, DrainDelay: 200 * time.Millisecond}, zerolog.Nop())

	sawDraining := make(chan State, 1)
	m.Register("hook", func(ctx context.Context) error {
		sawDraining <- m.GetState()
		return nil
	})

	go func() { _ = m.Shutdown(context.Background()) }()

	deadline := time.After(time.Second)
	for m.IsAccepting() {
		select {
		case <-deadline:
			t.Fatal("manager never stopped accepting")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	if state := m.GetState(); state != StateDraining {
		t.Errorf("expected draining during delay, got %s", state)
	}
	if m.GetStatus().TimeRemaining <= 0 {
		t.Error("expected time remaining during drain")
	}

	select {
	case state := <-sawDraining:
		if state != StateStopping {
			t.Errorf("expected hooks to run while stopping, got %s", state)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook never ran")
	}
	<-m.Done()
}

func TestManager_TimeoutBoundsHooks(t *testing.T) {
	m := NewManager(Config{Timeout: 100 * time.Millisecond, DrainDelay: time.Hour}, zerolog.Nop())
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	err := m.Shutdown(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("shutdown took %s, expected to be bounded by timeout", elapsed)
	}
}
