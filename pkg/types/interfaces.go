package types

import "context"

// CreateRequest asks a backend for a new extent.
type CreateRequest struct {
	Index         int
	CapacityBytes uint64
	// PoolSize is the number of extents the pool holds before this one.
	PoolSize int
}

// Backend creates and destroys extents of one kind.
type Backend interface {
	Name() string
	Kind() ExtentKind

	// Setup verifies the kernel interface and prepares any directories. A
	// KernelInterfaceUnavailable error disables the pool for the session.
	Setup(ctx context.Context) error

	// Create allocates, formats and activates an extent. On failure every
	// partial artifact has been released.
	Create(ctx context.Context, req CreateRequest) (Extent, error)

	// Deactivate removes the extent from the swap table. Succeeds when the
	// extent is already inactive.
	Deactivate(ctx context.Context, ext Extent) error

	// Release frees the artifacts of a deactivated extent.
	Release(ctx context.Context, ext Extent) error

	// DescribeCapacity reports pool-level usage for the given extents.
	DescribeCapacity(ctx context.Context, extents []Extent) (Capacity, error)

	// Discover returns the live extents of this kind found in kernel state,
	// using records to recover indices. Extents without a record get Index 0.
	Discover(ctx context.Context, swaps []SwapEntry, records []Record) ([]Extent, error)
}

// ExpansionGate is implemented by backends that veto growth on their own terms.
type ExpansionGate interface {
	// AllowExpansion returns false and a reason when growth must wait.
	AllowExpansion(capacity Capacity, freeRAMPercent int) (bool, string)
}

// Sweeper is implemented by backends that can leave stale artifacts behind.
type Sweeper interface {
	Sweep(ctx context.Context, live []Extent, swaps []SwapEntry) (int, error)
}

// Maintainer is implemented by backends that need periodic upkeep.
type Maintainer interface {
	Maintain(ctx context.Context, extents []Extent, tick uint64)
}
