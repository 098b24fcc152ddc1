// Package kinds holds the module kinds shipped with kiln.
package kinds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/kiln/internal/module"
)

// MeanName is the catalog name of the mean kind.
const MeanName = "mean"

const meanFile = "mean.yml"

// MeanModel is a trained running mean.
type MeanModel struct {
	Mean   float64 `yaml:"mean" json:"mean"`
	Count  int     `yaml:"count" json:"count"`
	Epochs int     `yaml:"epochs" json:"epochs"`
}

func (m *MeanModel) Kind() string { return MeanName }

func (m *MeanModel) Save(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, meanFile), data, 0o644)
}

// Run returns the learned mean. A numeric input yields its residual instead.
func (m *MeanModel) Run(_ context.Context, input any) (any, error) {
	switch x := input.(type) {
	case nil:
		return m.Mean, nil
	case float64:
		return x - m.Mean, nil
	case int:
		return float64(x) - m.Mean, nil
	}
	return nil, fmt.Errorf("mean: unsupported input %T", input)
}

func (m *MeanModel) MarshalBinary() ([]byte, error) {
	return yaml.Marshal(m)
}

// Mean trains a MeanModel. Named arguments:
//
//	values         numbers to average (required unless base is set)
//	epochs         passes to simulate, default 1
//	step_delay     pause per epoch, checked against cancellation
//	fail_at_epoch  fail deliberately at this epoch
//	base           a MeanModel to continue from
type Mean struct{}

var _ module.Kind = Mean{}

func (Mean) Name() string { return MeanName }

func (Mean) Train(ctx context.Context, args module.Arguments) (module.Module, error) {
	values, err := args.Float64s("values")
	if err != nil {
		return nil, err
	}
	epochs, err := args.Int("epochs", 1)
	if err != nil {
		return nil, err
	}
	if epochs < 1 {
		return nil, fmt.Errorf("epochs must be at least 1, got %d", epochs)
	}
	delay, err := args.Duration("step_delay", 0)
	if err != nil {
		return nil, err
	}
	failAt, err := args.Int("fail_at_epoch", 0)
	if err != nil {
		return nil, err
	}
	base, err := args.Module("base")
	if err != nil {
		return nil, err
	}

	var sum float64
	var count int
	if base != nil {
		bm, ok := base.(*MeanModel)
		if !ok {
			return nil, fmt.Errorf("base must be a %s module, got %s", MeanName, base.Kind())
		}
		sum = bm.Mean * float64(bm.Count)
		count = bm.Count
	}
	if len(values) == 0 && count == 0 {
		return nil, errors.New("values is required")
	}

	for epoch := 1; epoch <= epochs; epoch++ {
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
		if epoch == failAt {
			return nil, fmt.Errorf("injected failure at epoch %d", epoch)
		}
		module.Logf(ctx, "epoch %d/%d", epoch, epochs)
	}

	for _, v := range values {
		sum += v
	}
	count += len(values)
	return &MeanModel{Mean: sum / float64(count), Count: count, Epochs: epochs}, nil
}

func (Mean) Load(path string) (module.Module, error) {
	data, err := os.ReadFile(filepath.Join(path, meanFile))
	if err != nil {
		return nil, err
	}
	return Mean{}.FromBytes(data)
}

func (Mean) FromBytes(data []byte) (module.Module, error) {
	var m MeanModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode mean model: %w", err)
	}
	return &m, nil
}

// Register adds every built-in kind to catalog.
func Register(catalog *module.Catalog) error {
	return catalog.Register(Mean{})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
