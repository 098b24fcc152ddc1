package module

import "context"

// Module is a trained, runnable unit.
type Module interface {
	// Kind returns the catalog name of the Kind that produced this module.
	Kind() string

	// Save writes the module's persisted state into the directory at path.
	Save(path string) error

	// Run executes the module against input.
	Run(ctx context.Context, input any) (any, error)

	// MarshalBinary returns the persisted-state byte form of the module.
	MarshalBinary() ([]byte, error)
}

// Kind trains and materialises Modules of one type.
type Kind interface {
	// Name is the catalog key for this kind.
	Name() string

	// Train produces a new Module from args. Implementations should return
	// promptly with ctx.Err() once ctx is done.
	Train(ctx context.Context, args Arguments) (Module, error)

	// Load materialises a Module previously written by Module.Save.
	Load(path string) (Module, error)

	// FromBytes materialises a Module from the output of MarshalBinary.
	FromBytes(data []byte) (Module, error)
}
