// Package swapfile implements the disk extent backend: numbered swap files
// in one directory, either zero-filled and activated directly or sparse and
// fronted by a direct-I/O loop device.
package swapfile
