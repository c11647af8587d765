package receiver

// FlushPolicy decides where the flush cursor goes on each durability tick.
// Results behind the current cursor are ignored.
type FlushPolicy interface {
	Next(current, observed uint64) uint64
}

// ObservedPolicy flushes up to the highest arrived LSN. It certifies
// arrival only: an entry whose slot was lost to corruption still falls
// under the cursor once a later LSN drains.
type ObservedPolicy struct{}

func (ObservedPolicy) Next(_, observed uint64) uint64 {
	return observed
}

// StoragePolicy flushes up to what both arrived and the storage layer
// reports durable.
type StoragePolicy struct {
	Durable func() uint64
}

func (p StoragePolicy) Next(_, observed uint64) uint64 {
	if p.Durable == nil {
		return 0
	}
	return min(observed, p.Durable())
}

// StepPolicy advances by a fixed amount every tick whether or not
// anything arrived.
type StepPolicy struct {
	Step uint64
}

func (p StepPolicy) Next(current, _ uint64) uint64 {
	step := p.Step
	if step == 0 {
		step = 1
	}
	return current + step
}
