/*
Package types defines the shared vocabulary of swapfc: extents, the swap
table entries they appear as, the breadcrumb records that persist them, and
the Backend contract that every extent technology implements.

	┌─────────────────────────────────────────────┐
	│         cmd/swapfc (start/stop/status)      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│     internal/pool.Controller (one per pool) │
	│   policy · planner · recovery · breadcrumbs │
	└─────────────────────────────────────────────┘
	          │                         │
	┌─────────┴──────────┐   ┌──────────┴─────────┐
	│ internal/zram      │   │ internal/swapfile  │
	│ compressed RAM     │   │ plain / loop files │
	└────────────────────┘   └────────────────────┘
	          │                         │
	┌─────────────────────────────────────────────┐
	│  internal/kernel (swapon, loop, statfs ...) │
	└─────────────────────────────────────────────┘

# Extents

An Extent is one unit of swap capacity: a zram device, a swap file, or a
sparse file fronted by a loop device. Its Index is stable for its lifetime
and names every artifact belonging to it (label, backing file, breadcrumb).
KernelHandle is the name under which the kernel lists the extent in
/proc/swaps, which is how usage is attributed back to it each tick.

# Backends

A Backend creates, deactivates, releases and rediscovers extents of one kind.
Destroying an extent is two steps, Deactivate then Release, so that a pool
can keep a compressed-RAM extent in the Draining state between attempts.
Optional capabilities are expressed as separate interfaces (ExpansionGate,
Sweeper, Maintainer) and detected by type assertion.
*/
package types
