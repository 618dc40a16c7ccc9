package pool

import (
	"time"

	"github.com/swapfc/swapfc/pkg/errors"
)

// Recorder receives pool observations for export.
type Recorder interface {
	ObserveStats(stats Stats)
	IncExpansion(pool, trigger string)
	IncContraction(pool string)
	IncError(pool, operation string, code errors.ErrorCode)
	ObserveOperation(pool, operation string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStats(Stats)                             {}
func (nopRecorder) IncExpansion(string, string)                    {}
func (nopRecorder) IncContraction(string)                          {}
func (nopRecorder) IncError(string, string, errors.ErrorCode)      {}
func (nopRecorder) ObserveOperation(string, string, time.Duration) {}
