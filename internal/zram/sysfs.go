package zram

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/swapfc/swapfc/pkg/errors"
)

// MMStat is one parsed mm_stat line. Fields after MemUsedMax are absent on
// old kernels and read as zero.
type MMStat struct {
	OrigDataSize   uint64 `json:"orig_data_size"`
	ComprDataSize  uint64 `json:"compr_data_size"`
	MemUsedTotal   uint64 `json:"mem_used_total"`
	MemLimit       uint64 `json:"mem_limit"`
	MemUsedMax     uint64 `json:"mem_used_max"`
	SamePages      uint64 `json:"same_pages"`
	PagesCompacted uint64 `json:"pages_compacted"`
}

// ParseMMStat parses the whitespace separated counters of mm_stat.
func ParseMMStat(data string) (MMStat, error) {
	fields := strings.Fields(data)
	if len(fields) < 5 {
		return MMStat{}, fmt.Errorf("mm_stat: expected at least 5 fields, got %d", len(fields))
	}

	values := make([]uint64, 7)
	for i := 0; i < len(fields) && i < len(values); i++ {
		v, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return MMStat{}, fmt.Errorf("mm_stat field %d: %w", i, err)
		}
		values[i] = v
	}

	return MMStat{
		OrigDataSize:   values[0],
		ComprDataSize:  values[1],
		MemUsedTotal:   values[2],
		MemLimit:       values[3],
		MemUsedMax:     values[4],
		SamePages:      values[5],
		PagesCompacted: values[6],
	}, nil
}

// sysfs addresses the zram control files below a sysfs mount.
type sysfs struct {
	root string
}

func (s sysfs) control(name string) string {
	return filepath.Join(s.root, "class", "zram-control", name)
}

func (s sysfs) device(id int) string {
	return filepath.Join(s.root, "block", fmt.Sprintf("zram%d", id))
}

func (s sysfs) attr(id int, name string) string {
	return filepath.Join(s.device(id), name)
}

// available reports whether the zram module is loaded.
func (s sysfs) available() bool {
	for _, p := range []string{filepath.Join(s.root, "module", "zram"), filepath.Join(s.root, "class", "zram-control")} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// hotAdd allocates a new device and returns its id.
func (s sysfs) hotAdd() (int, error) {
	data, err := os.ReadFile(s.control("hot_add"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Wrap(err, errors.ErrCodeKernelUnavailable, "zram hot_add not supported").
				WithComponent("zram").WithOperation("hot_add")
		}
		return 0, errors.FromErrno(err, "zram", "hot_add")
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeOperationFailed, "invalid hot_add response").
			WithComponent("zram").WithOperation("hot_add")
	}
	return id, nil
}

func (s sysfs) hotRemove(id int) error {
	if err := writeAttr(s.control("hot_remove"), strconv.Itoa(id)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.FromErrno(err, "zram", "hot_remove").WithDetail("device_id", id)
	}
	return nil
}

// write sets attribute name of device id. When optional is set a missing
// attribute is skipped.
func (s sysfs) write(id int, name, value string, optional bool) error {
	path := s.attr(id, name)
	if optional {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
	}
	if err := writeAttr(path, value); err != nil {
		return errors.FromErrno(err, "zram", "write_"+name).
			WithDetail("device_id", id).
			WithContext("value", value)
	}
	return nil
}

func (s sysfs) readUint(id int, name string) (uint64, error) {
	data, err := os.ReadFile(s.attr(id, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func (s sysfs) mmStat(id int) (MMStat, error) {
	data, err := os.ReadFile(s.attr(id, "mm_stat"))
	if err != nil {
		return MMStat{}, err
	}
	return ParseMMStat(string(data))
}

// writeAttr writes value to an existing sysfs attribute; it never creates
// the file.
func writeAttr(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// devices lists the ids of every zram block device.
func (s sysfs) devices() ([]int, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "block", "zram*"))
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(matches))
	for _, m := range matches {
		id, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(m), "zram"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
