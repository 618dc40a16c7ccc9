package kernel

import (
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/multierr"
)

// QueueOptions tunes the block queue of a loop device backing swap. Swap I/O
// is random 4K pages, so the defaults disable merging heuristics and
// accounting that only add latency.
type QueueOptions struct {
	NrRequests int
}

// queueAttrs are written in order; the scheduler must be set before
// nr_requests, which is bounded by the scheduler's depth.
var queueAttrs = []struct{ name, value string }{
	{"rotational", "0"},
	{"iostats", "0"},
	{"add_random", "0"},
	{"scheduler", "none"},
	{"nomerges", "0"},
	{"wbt_lat_usec", "75000"},
	{"max_sectors_kb", "512"},
	{"rq_affinity", "1"},
}

// readaheadKB keeps readahead at two pages; swap-in is random.
const readaheadKB = 8

// TuneQueue applies queue attributes for device (e.g. /dev/loop3). Missing
// attributes are skipped; older kernels lack some of them.
func TuneQueue(sysPath, device string, opts QueueOptions) error {
	queue := filepath.Join(sysPath, "block", filepath.Base(device), "queue")

	var errs error
	for _, attr := range queueAttrs {
		errs = multierr.Append(errs, writeAttr(filepath.Join(queue, attr.name), attr.value))
	}
	if opts.NrRequests > 0 {
		errs = multierr.Append(errs, writeAttr(filepath.Join(queue, "nr_requests"), strconv.Itoa(opts.NrRequests)))
	}
	return errs
}

// SetReadahead pins read_ahead_kb for device.
func SetReadahead(sysPath, device string) error {
	return writeAttr(filepath.Join(sysPath, "block", filepath.Base(device), "queue", "read_ahead_kb"),
		strconv.Itoa(readaheadKB))
}

func writeAttr(path, value string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return os.WriteFile(path, []byte(value), 0644)
}
