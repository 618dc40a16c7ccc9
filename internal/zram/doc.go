// Package zram implements the compressed-RAM extent backend. Each extent is
// one zram block device allocated with hot_add, formatted as swap and
// activated at a shared high priority so it is used before any disk swap.
package zram
