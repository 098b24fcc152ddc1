// Package module defines the trainable-unit contract consumed by the job
// engine: a Kind trains and materialises Modules, a Catalog resolves kinds by
// name, a Cache avoids re-materialising identical state, and Wrapped makes a
// live Module transportable across a process boundary by sending only its
// persisted byte form.
package module
