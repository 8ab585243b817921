// Package metrics defines the observer hooks the engine reports to.
package metrics

import "time"

// Observer receives engine events. Implementations must be safe for concurrent use.
type Observer interface {
	// OnPut is called for every successful put. created is false for deduplicated vectors.
	OnPut(level string, created bool)
	// OnIntegrityViolation is called when a put is rejected for a fingerprint collision.
	OnIntegrityViolation(level string)
	// OnIndexAdd is called after vectors are added to a level's index.
	OnIndexAdd(level string, n int)
	// OnSearch is called when a level search completes.
	OnSearch(level string, d time.Duration, results int, err error)
	// OnConsolidate is called when a consolidation completes.
	OnConsolidate(level string, reason string, d time.Duration, err error)
	// OnRebuild is called when an index rebuild completes.
	OnRebuild(level string, vectors uint64, d time.Duration, err error)
	// OnCheck reports the divergence ratio measured by a consistency check.
	OnCheck(level string, ratio float64)
	// OnAggregate is called after one aggregation edge run.
	OnAggregate(child, parent string, copied, linked int, err error)
}

// NopObserver is a no-op implementation of Observer.
type NopObserver struct{}

func (NopObserver) OnPut(string, bool)                                 {}
func (NopObserver) OnIntegrityViolation(string)                        {}
func (NopObserver) OnIndexAdd(string, int)                             {}
func (NopObserver) OnSearch(string, time.Duration, int, error)         {}
func (NopObserver) OnConsolidate(string, string, time.Duration, error) {}
func (NopObserver) OnRebuild(string, uint64, time.Duration, error)     {}
func (NopObserver) OnCheck(string, float64)                            {}
func (NopObserver) OnAggregate(string, string, int, int, error)        {}
