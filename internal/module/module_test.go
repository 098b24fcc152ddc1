package module_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/kinds"
	"github.com/seantiz/kiln/internal/module"
)

// countingKind wraps the mean kind and counts materialisations.
type countingKind struct {
	kinds.Mean
	fromBytes atomic.Int32
	loads     atomic.Int32
}

func (k *countingKind) FromBytes(data []byte) (module.Module, error) {
	k.fromBytes.Add(1)
	time.Sleep(10 * time.Millisecond)
	return k.Mean.FromBytes(data)
}

func (k *countingKind) Load(path string) (module.Module, error) {
	k.loads.Add(1)
	return k.Mean.Load(path)
}

func newCatalog(t *testing.T, k module.Kind) *module.Catalog {
	t.Helper()
	c := module.NewCatalog()
	if err := c.Register(k); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return c
}

func TestCatalogRegisterLookup(t *testing.T) {
	c := newCatalog(t, kinds.Mean{})

	k, err := c.Lookup(kinds.MeanName)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if k.Name() != kinds.MeanName {
		t.Errorf("Name() = %q", k.Name())
	}

	if _, err := c.Lookup("nope"); !errors.Is(err, module.ErrUnknownKind) {
		t.Errorf("Lookup(nope) err = %v, want ErrUnknownKind", err)
	}
}

func TestCatalogConflictingRegistration(t *testing.T) {
	c := newCatalog(t, kinds.Mean{})
	if err := c.Register(kinds.Mean{}); err != nil {
		t.Errorf("re-registering the same kind: %v", err)
	}
	if err := c.Register(&countingKind{}); err == nil {
		t.Error("expected error registering a different kind under the same name")
	}
}

// sliceKind is not comparable with ==.
type sliceKind struct {
	kinds.Mean
	layers []int
}

func TestCatalogRegisterNonComparableKind(t *testing.T) {
	c := newCatalog(t, sliceKind{layers: []int{4, 2}})

	if err := c.Register(sliceKind{layers: []int{4, 2}}); err != nil {
		t.Errorf("re-registering an equal kind: %v", err)
	}
	if err := c.Register(sliceKind{layers: []int{8}}); err == nil {
		t.Error("expected error registering a different configuration under the same name")
	}
	if err := c.Register(kinds.Mean{}); err == nil {
		t.Error("expected error registering a different type under the same name")
	}
}

func TestCatalogListSorted(t *testing.T) {
	c := module.NewCatalog()
	for _, name := range []string{"zeta", "alpha", "mu"} {
		if err := c.Register(namedKind{name: name}); err != nil {
			t.Fatal(err)
		}
	}
	list := c.List()
	if len(list) != 3 || list[0].Name != "alpha" || list[1].Name != "mu" || list[2].Name != "zeta" {
		t.Errorf("List() = %+v", list)
	}
}

type namedKind struct {
	kinds.Mean
	name string
}

func (k namedKind) Name() string { return k.name }

func TestArgumentsAccessors(t *testing.T) {
	args := module.Arguments{Named: map[string]any{
		"n":       4.0,
		"s":       "hello",
		"b":       true,
		"d":       "250ms",
		"secs":    1.5,
		"vals":    []any{1.0, 2.5},
		"bad":     []any{"x"},
		"frac":    2.5,
		"model":   &kinds.MeanModel{Mean: 1},
		"wrapped": module.Wrap(&kinds.MeanModel{Mean: 2}),
	}}

	if n, err := args.Int("n", 0); err != nil || n != 4 {
		t.Errorf("Int(n) = %d, %v", n, err)
	}
	if n, err := args.Int("missing", 7); err != nil || n != 7 {
		t.Errorf("Int(missing) = %d, %v", n, err)
	}
	if _, err := args.Int("frac", 0); err == nil {
		t.Error("Int(frac) should reject a fractional value")
	}
	if s, err := args.String("s", ""); err != nil || s != "hello" {
		t.Errorf("String(s) = %q, %v", s, err)
	}
	if _, err := args.String("n", ""); err == nil {
		t.Error("String(n) should reject a number")
	}
	if b, err := args.Bool("b"); err != nil || !b {
		t.Errorf("Bool(b) = %v, %v", b, err)
	}
	if d, err := args.Duration("d", 0); err != nil || d != 250*time.Millisecond {
		t.Errorf("Duration(d) = %v, %v", d, err)
	}
	if d, err := args.Duration("secs", 0); err != nil || d != 1500*time.Millisecond {
		t.Errorf("Duration(secs) = %v, %v", d, err)
	}
	if v, err := args.Float64s("vals"); err != nil || len(v) != 2 || v[1] != 2.5 {
		t.Errorf("Float64s(vals) = %v, %v", v, err)
	}
	if _, err := args.Float64s("bad"); err == nil {
		t.Error("Float64s(bad) should reject strings")
	}
	if m, err := args.Module("model"); err != nil || m.(*kinds.MeanModel).Mean != 1 {
		t.Errorf("Module(model) = %v, %v", m, err)
	}
	if m, err := args.Module("wrapped"); err != nil || m.(*kinds.MeanModel).Mean != 2 {
		t.Errorf("Module(wrapped) = %v, %v, want unwrapped model", m, err)
	}
	if m, err := args.Module("missing"); err != nil || m != nil {
		t.Errorf("Module(missing) = %v, %v", m, err)
	}
}

func TestArgumentsCloneIsIndependent(t *testing.T) {
	args := module.Arguments{Positional: []any{1}, Named: map[string]any{"a": 1}}
	c := args.Clone()
	c.Positional[0] = 2
	c.Named["a"] = 2
	if args.Positional[0] != 1 || args.Named["a"] != 1 {
		t.Error("Clone shares storage with the original")
	}
}

func TestSaveAndLoadPath(t *testing.T) {
	k := &countingKind{}
	catalog := newCatalog(t, k)
	cache := module.NewCache()
	dir := filepath.Join(t.TempDir(), "model")

	if err := module.Save(&kinds.MeanModel{Mean: 3, Count: 1}, dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, module.ConfigFile)); err != nil {
		t.Fatalf("config file missing: %v", err)
	}
	name, err := module.SavedKind(dir)
	if err != nil || name != kinds.MeanName {
		t.Fatalf("SavedKind = %q, %v", name, err)
	}

	first, err := module.LoadPath(catalog, cache, dir)
	if err != nil {
		t.Fatalf("LoadPath: %v", err)
	}
	second, err := module.LoadPath(catalog, cache, dir)
	if err != nil {
		t.Fatalf("LoadPath: %v", err)
	}
	if first != second {
		t.Error("second load of unchanged dir returned a new instance")
	}
	if got := k.loads.Load(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
	if first.(*kinds.MeanModel).Mean != 3 {
		t.Errorf("loaded mean = %v", first.(*kinds.MeanModel).Mean)
	}
}

func TestLoadPathSeesResave(t *testing.T) {
	catalog := newCatalog(t, kinds.Mean{})
	cache := module.NewCache()
	dir := t.TempDir()

	if err := module.Save(&kinds.MeanModel{Mean: 1, Count: 1}, dir); err != nil {
		t.Fatal(err)
	}
	if _, err := module.LoadPath(catalog, cache, dir); err != nil {
		t.Fatal(err)
	}

	// Make sure the config file mtime moves even on coarse filesystems.
	later := time.Now().Add(time.Second)
	if err := module.Save(&kinds.MeanModel{Mean: 9, Count: 1}, dir); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(dir, module.ConfigFile), later, later); err != nil {
		t.Fatal(err)
	}

	m, err := module.LoadPath(catalog, cache, dir)
	if err != nil {
		t.Fatal(err)
	}
	if m.(*kinds.MeanModel).Mean != 9 {
		t.Errorf("mean = %v, want 9 after re-save", m.(*kinds.MeanModel).Mean)
	}
}

func TestLoadPathErrors(t *testing.T) {
	catalog := newCatalog(t, kinds.Mean{})
	cache := module.NewCache()

	if _, err := module.LoadPath(catalog, cache, filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error for missing directory")
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, module.ConfigFile), []byte("kind: other\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := module.LoadPath(catalog, cache, dir); !errors.Is(err, module.ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
}

func TestTrainAndSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	args := module.Arguments{Named: map[string]any{"values": []float64{2, 4}}}

	m, err := module.TrainAndSave(context.Background(), discardLogger(), kinds.Mean{}, args, dir)
	if err != nil {
		t.Fatalf("TrainAndSave: %v", err)
	}
	if m.(*kinds.MeanModel).Mean != 3 {
		t.Errorf("mean = %v", m.(*kinds.MeanModel).Mean)
	}
	if name, err := module.SavedKind(dir); err != nil || name != kinds.MeanName {
		t.Errorf("SavedKind = %q, %v", name, err)
	}
}

func TestTrainAndSaveWithoutPath(t *testing.T) {
	args := module.Arguments{Named: map[string]any{"values": []float64{1}}}
	if _, err := module.TrainAndSave(context.Background(), discardLogger(), kinds.Mean{}, args, ""); err != nil {
		t.Fatalf("TrainAndSave: %v", err)
	}
}

func TestLogfWithoutFunc(t *testing.T) {
	module.Logf(context.Background(), "ignored %d", 1)
}

func TestWrappedForwardsContract(t *testing.T) {
	inner := &kinds.MeanModel{Mean: 4, Count: 1}
	w := module.Wrap(inner)

	if module.Wrap(w) != w {
		t.Error("Wrap nested a Wrapped")
	}
	if module.Unwrap(w) != inner {
		t.Error("Unwrap did not return the inner module")
	}
	if w.Kind() != kinds.MeanName {
		t.Errorf("Kind() = %q", w.Kind())
	}
	out, err := w.Run(context.Background(), nil)
	if err != nil || out != 4.0 {
		t.Errorf("Run = %v, %v", out, err)
	}

	dir := t.TempDir()
	if err := w.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := kinds.Mean{}.Load(dir)
	if err != nil || loaded.(*kinds.MeanModel).Mean != 4 {
		t.Errorf("Load after wrapped save = %v, %v", loaded, err)
	}
}

func TestArgumentsTransport(t *testing.T) {
	k := &countingKind{}
	catalog := newCatalog(t, k)
	cache := module.NewCache()

	base := &kinds.MeanModel{Mean: 5, Count: 2}
	args := module.Arguments{
		Positional: []any{base, 1.0},
		Named: map[string]any{
			"base":   base,
			"again":  base,
			"values": []float64{1, 2},
		},
	}

	wrapped := module.WrapArguments(args)
	if _, ok := args.Named["base"].(*module.Wrapped); ok {
		t.Fatal("WrapArguments modified its input")
	}

	data, err := json.Marshal(wrapped)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var wire module.WireArguments
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	decoded, err := module.DecodeArguments(catalog, cache, wire)
	if err != nil {
		t.Fatalf("DecodeArguments: %v", err)
	}

	m1, ok := decoded.Named["base"].(*kinds.MeanModel)
	if !ok {
		t.Fatalf("base decoded as %T", decoded.Named["base"])
	}
	if *m1 != *base {
		t.Errorf("base = %+v, want %+v", m1, base)
	}
	if decoded.Named["again"] != decoded.Named["base"] || decoded.Positional[0] != decoded.Named["base"] {
		t.Error("identical transported state produced distinct instances")
	}
	if got := k.fromBytes.Load(); got != 1 {
		t.Errorf("fromBytes = %d, want 1", got)
	}
	if decoded.Positional[1] != 1.0 {
		t.Errorf("positional[1] = %v", decoded.Positional[1])
	}
	vals, err := decoded.Float64s("values")
	if err != nil || len(vals) != 2 {
		t.Errorf("values = %v, %v", vals, err)
	}
}

func TestDecodeArgumentsUnknownKind(t *testing.T) {
	wire := module.WireArguments{Named: map[string]json.RawMessage{
		"m": json.RawMessage(`{"__module__":{"kind":"ghost","state":""}}`),
	}}
	_, err := module.DecodeArguments(module.NewCatalog(), module.NewCache(), wire)
	if !errors.Is(err, module.ErrUnknownKind) {
		t.Errorf("err = %v, want ErrUnknownKind", err)
	}
}

func TestDecodeArgumentsPlainObject(t *testing.T) {
	wire := module.WireArguments{Named: map[string]json.RawMessage{
		"opts": json.RawMessage(`{"lr":0.1}`),
	}}
	args, err := module.DecodeArguments(module.NewCatalog(), module.NewCache(), wire)
	if err != nil {
		t.Fatalf("DecodeArguments: %v", err)
	}
	opts, ok := args.Named["opts"].(map[string]any)
	if !ok || opts["lr"] != 0.1 {
		t.Errorf("opts = %#v", args.Named["opts"])
	}
}

func TestDecodeArgumentsModelPath(t *testing.T) {
	k := &countingKind{}
	catalog := newCatalog(t, k)
	cache := module.NewCache()
	dir := filepath.Join(t.TempDir(), "base")
	if err := module.Save(&kinds.MeanModel{Mean: 4, Count: 2}, dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ref := json.RawMessage(`{"$model_path":"` + filepath.ToSlash(dir) + `"}`)
	wire := module.WireArguments{
		Positional: []json.RawMessage{ref},
		Named:      map[string]json.RawMessage{"base": ref},
	}
	args, err := module.DecodeArguments(catalog, cache, wire)
	if err != nil {
		t.Fatalf("DecodeArguments: %v", err)
	}

	base, err := args.Module("base")
	if err != nil {
		t.Fatalf("Module: %v", err)
	}
	if base.(*kinds.MeanModel).Mean != 4 {
		t.Errorf("base mean = %v, want 4", base.(*kinds.MeanModel).Mean)
	}
	if args.Positional[0] != base {
		t.Error("both references should resolve to the cached instance")
	}
	if got := k.loads.Load(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}
}

func TestDecodeArgumentsBadModelPath(t *testing.T) {
	catalog := newCatalog(t, kinds.Mean{})
	for name, raw := range map[string]string{
		"missing":    `{"$model_path":"/does/not/exist"}`,
		"not string": `{"$model_path":3}`,
	} {
		wire := module.WireArguments{Named: map[string]json.RawMessage{"base": json.RawMessage(raw)}}
		if _, err := module.DecodeArguments(catalog, module.NewCache(), wire); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestCacheCollapsesConcurrentLoads(t *testing.T) {
	k := &countingKind{}
	cache := module.NewCache()
	state, err := (&kinds.MeanModel{Mean: 1, Count: 1}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	results := make([]module.Module, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := cache.FromBytes(k, state)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = m
		}(i)
	}
	wg.Wait()

	for _, m := range results[1:] {
		if m != results[0] {
			t.Fatal("concurrent loads returned distinct instances")
		}
	}
	if got := k.fromBytes.Load(); got != 1 {
		t.Errorf("fromBytes = %d, want 1", got)
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1", cache.Len())
	}
}
