package kinds_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/kinds"
	"github.com/seantiz/kiln/internal/module"
)

func train(t *testing.T, ctx context.Context, named map[string]any) (*kinds.MeanModel, error) {
	t.Helper()
	m, err := kinds.Mean{}.Train(ctx, module.Arguments{Named: named})
	if err != nil {
		return nil, err
	}
	return m.(*kinds.MeanModel), nil
}

func TestMeanTrain(t *testing.T) {
	m, err := train(t, context.Background(), map[string]any{"values": []float64{1, 2, 3, 6}})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if m.Mean != 3 || m.Count != 4 || m.Epochs != 1 {
		t.Errorf("model = %+v, want mean 3 count 4 epochs 1", m)
	}
}

func TestMeanTrainJSONDecodedValues(t *testing.T) {
	m, err := train(t, context.Background(), map[string]any{
		"values": []any{2.0, 4.0},
		"epochs": 3.0,
	})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if m.Mean != 3 || m.Epochs != 3 {
		t.Errorf("model = %+v", m)
	}
}

func TestMeanTrainWarmStart(t *testing.T) {
	base := &kinds.MeanModel{Mean: 10, Count: 2}
	m, err := train(t, context.Background(), map[string]any{
		"values": []float64{4},
		"base":   module.Wrap(base),
	})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if m.Mean != 8 || m.Count != 3 {
		t.Errorf("model = %+v, want mean 8 count 3", m)
	}
}

func TestMeanTrainRequiresValues(t *testing.T) {
	if _, err := train(t, context.Background(), nil); err == nil {
		t.Fatal("expected error without values")
	}
}

func TestMeanTrainInjectedFailure(t *testing.T) {
	_, err := train(t, context.Background(), map[string]any{
		"values":        []float64{1},
		"epochs":        3,
		"fail_at_epoch": 2,
	})
	if err == nil || !strings.Contains(err.Error(), "epoch 2") {
		t.Fatalf("err = %v, want injected failure at epoch 2", err)
	}
}

func TestMeanTrainCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := train(t, ctx, map[string]any{
		"values":     []float64{1},
		"epochs":     100,
		"step_delay": "50ms",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("training did not stop promptly on cancel")
	}
}

func TestMeanTrainLogsProgress(t *testing.T) {
	var lines []string
	ctx := module.WithLogFunc(context.Background(), func(line string) {
		lines = append(lines, line)
	})
	if _, err := train(t, ctx, map[string]any{"values": []float64{1}, "epochs": 2}); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if len(lines) != 2 || lines[1] != "epoch 2/2" {
		t.Errorf("lines = %q", lines)
	}
}

func TestMeanSaveLoad(t *testing.T) {
	dir := t.TempDir()
	m := &kinds.MeanModel{Mean: 1.5, Count: 2, Epochs: 1}
	if err := m.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := kinds.Mean{}.Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *loaded.(*kinds.MeanModel) != *m {
		t.Errorf("loaded = %+v, want %+v", loaded, m)
	}
}

func TestMeanRun(t *testing.T) {
	m := &kinds.MeanModel{Mean: 2}
	out, err := m.Run(context.Background(), nil)
	if err != nil || out != 2.0 {
		t.Errorf("Run(nil) = %v, %v", out, err)
	}
	out, err = m.Run(context.Background(), 5.0)
	if err != nil || out != 3.0 {
		t.Errorf("Run(5) = %v, %v", out, err)
	}
	if _, err := m.Run(context.Background(), "x"); err == nil {
		t.Error("expected error for string input")
	}
}
