/*
Package config loads, clamps and validates the swapfc daemon configuration.

Sources are applied in order of increasing precedence:

	defaults (NewDefault) -> YAML file -> SWAPFC_* environment -> Normalize -> Validate

Normalize never fails: out-of-range tunables are silently pulled back into
their supported range (for example zram.max_devices to 1..8 and
swapfile.max_count to 1..28). Validate rejects what cannot be clamped, such
as a swap path inside a protected system directory or a contract threshold
above the expand threshold.

Example configuration:

	global:
	  log_level: INFO
	  mode: auto
	  work_dir: /run/swapfc
	zram:
	  algorithm: zstd
	  max_devices: 8
	  expand_threshold: 85
	swapfile:
	  path: /swapfile
	  chunk_size: 512M
	  sparse_loop: false

Watch follows the file with fsnotify and hands each valid reload to the
running pools.
*/
package config
