package worker_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/worker"
)

func joinWithin(t *testing.T, w worker.Worker, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := w.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
}

func TestThreadWorkerRuns(t *testing.T) {
	w := worker.NewThread(func(ctx context.Context) (any, error) {
		return 42, nil
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	joinWithin(t, w, 5*time.Second)

	if w.Alive() || w.Canceled() || w.Threw() || !w.Ran() {
		t.Errorf("flags alive=%v canceled=%v threw=%v ran=%v", w.Alive(), w.Canceled(), w.Threw(), w.Ran())
	}
	if w.Result() != 42 {
		t.Errorf("Result() = %v, want 42", w.Result())
	}
	if w.FinishedAt().IsZero() {
		t.Error("FinishedAt not set")
	}
}

func TestThreadWorkerAliveAfterStart(t *testing.T) {
	release := make(chan struct{})
	w := worker.NewThread(func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	if w.Alive() {
		t.Error("Alive before Start")
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if !w.Alive() {
		t.Error("not Alive right after Start")
	}
	if !w.FinishedAt().IsZero() {
		t.Error("FinishedAt set while running")
	}
	close(release)
	joinWithin(t, w, 5*time.Second)
}

func TestThreadWorkerError(t *testing.T) {
	boom := errors.New("boom")
	w := worker.NewThread(func(ctx context.Context) (any, error) {
		return nil, boom
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	joinWithin(t, w, 5*time.Second)

	if !w.Threw() || w.Ran() || !errors.Is(w.Err(), boom) {
		t.Errorf("threw=%v ran=%v err=%v", w.Threw(), w.Ran(), w.Err())
	}
}

func TestThreadWorkerPanic(t *testing.T) {
	w := worker.NewThread(func(ctx context.Context) (any, error) {
		panic("kaboom")
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	joinWithin(t, w, 5*time.Second)

	if !w.Threw() || !strings.Contains(w.Err().Error(), "kaboom") {
		t.Errorf("threw=%v err=%v", w.Threw(), w.Err())
	}
}

func TestThreadWorkerDestroy(t *testing.T) {
	w := worker.NewThread(func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	w.Destroy()
	w.Destroy()
	joinWithin(t, w, 5*time.Second)

	if !w.Canceled() || w.Alive() {
		t.Errorf("canceled=%v alive=%v", w.Canceled(), w.Alive())
	}
}

func TestThreadWorkerDestroyBeforeStart(t *testing.T) {
	w := worker.NewThread(func(ctx context.Context) (any, error) {
		t.Error("function ran after destroy")
		return nil, nil
	})
	w.Destroy()

	select {
	case <-w.Done():
	default:
		t.Fatal("Done not closed after destroying an unstarted worker")
	}
	if err := w.Start(); !errors.Is(err, worker.ErrAlreadyStarted) {
		t.Errorf("Start after Destroy err = %v", err)
	}
	if !w.Canceled() {
		t.Error("not canceled")
	}
}

func TestThreadWorkerDestroyAfterFinishIsNoop(t *testing.T) {
	w := worker.NewThread(func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	joinWithin(t, w, 5*time.Second)
	w.Destroy()

	if w.Canceled() || !w.Ran() {
		t.Errorf("canceled=%v ran=%v", w.Canceled(), w.Ran())
	}
}

func TestThreadWorkerStartTwice(t *testing.T) {
	w := worker.NewThread(func(ctx context.Context) (any, error) { return nil, nil })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); !errors.Is(err, worker.ErrAlreadyStarted) {
		t.Errorf("second Start err = %v", err)
	}
	joinWithin(t, w, 5*time.Second)
}

func TestThreadWorkerJoinTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	w := worker.NewThread(func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := w.Join(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Join err = %v, want DeadlineExceeded", err)
	}
	if !w.Alive() {
		t.Error("worker should still be alive")
	}
}
