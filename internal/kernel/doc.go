// Package kernel wraps the Linux interfaces swapfc drives directly:
// swapon(2)/swapoff(2), the on-disk swap header, loop devices, block queue
// attributes in sysfs, and filesystem probing (statfs, NOCOW, remount).
//
// Each concern sits behind a small interface so pools and backends can be
// exercised against the fakes in kerneltest.
package kernel
