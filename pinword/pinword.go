// Package pinword implements the lock-free 32-bit control word shared
// between a stepper pulse engine and the digital-out wrappers that own the
// same physical enable/direction pins (spec.md section 3, "Pin-word").
// Bits 0-15 are an incrementing step counter, bit 30 is direction, bit 31
// is enable. Only one stepper engine may write the step-count bits for a
// given word; enable/dir may be written by other wrappers on the same pins.
package pinword

import "sync/atomic"

const (
	// StepCountMask covers the low 16 bits used as a free-running step
	// counter.
	StepCountMask = uint32(0x0000FFFF)
	// DirBit is the direction flag.
	DirBit = uint32(1 << 30)
	// EnableBit is the enable flag.
	EnableBit = uint32(1 << 31)
)

// Word is an atomic 32-bit value. The zero value is a valid, all-clear
// word.
type Word struct {
	v uint32
}

// Load returns the current value.
func (w *Word) Load() uint32 { return atomic.LoadUint32(&w.v) }

// Store sets the value unconditionally.
func (w *Word) Store(v uint32) { atomic.StoreUint32(&w.v, v) }

// Exchange stores v and returns the previous value.
func (w *Word) Exchange(v uint32) uint32 { return atomic.SwapUint32(&w.v, v) }

// CompareExchange stores newV if the current value equals old, returning
// whether it did.
func (w *Word) CompareExchange(old, newV uint32) bool {
	return atomic.CompareAndSwapUint32(&w.v, old, newV)
}

// Add atomically adds delta and returns the new value.
func (w *Word) Add(delta uint32) uint32 { return atomic.AddUint32(&w.v, delta) }

// Sub atomically subtracts delta and returns the new value.
func (w *Word) Sub(delta uint32) uint32 { return atomic.AddUint32(&w.v, ^(delta - 1)) }

// Inc is Add(1).
func (w *Word) Inc() uint32 { return w.Add(1) }

// Dec is Sub(1).
func (w *Word) Dec() uint32 { return w.Sub(1) }

func (w *Word) bitwise(f func(old uint32) uint32) uint32 {
	for {
		old := w.Load()
		next := f(old)
		if w.CompareExchange(old, next) {
			return next
		}
	}
}

// And atomically ANDs mask into the word and returns the new value.
func (w *Word) And(mask uint32) uint32 {
	return w.bitwise(func(old uint32) uint32 { return old & mask })
}

// Or atomically ORs mask into the word and returns the new value.
func (w *Word) Or(mask uint32) uint32 {
	return w.bitwise(func(old uint32) uint32 { return old | mask })
}

// Xor atomically XORs mask into the word and returns the new value.
func (w *Word) Xor(mask uint32) uint32 {
	return w.bitwise(func(old uint32) uint32 { return old ^ mask })
}

// IncStepCount atomically increments only the step-count bits, wrapping
// within the 16-bit field and leaving direction/enable untouched. This is
// the only mutation the stepper pulse engine performs on a shared word.
func (w *Word) IncStepCount() uint32 {
	return w.bitwise(func(old uint32) uint32 {
		count := (old & StepCountMask) + 1
		return (old &^ StepCountMask) | (count & StepCountMask)
	})
}

// StepCount returns the current step-count bits.
func (w *Word) StepCount() uint16 {
	return uint16(w.Load() & StepCountMask)
}

// SetDir sets or clears the direction bit.
func (w *Word) SetDir(dir bool) {
	if dir {
		w.Or(DirBit)
	} else {
		w.And(^DirBit)
	}
}

// Dir returns the direction bit.
func (w *Word) Dir() bool { return w.Load()&DirBit != 0 }

// SetEnable sets or clears the enable bit.
func (w *Word) SetEnable(en bool) {
	if en {
		w.Or(EnableBit)
	} else {
		w.And(^EnableBit)
	}
}

// Enabled returns the enable bit.
func (w *Word) Enabled() bool { return w.Load()&EnableBit != 0 }
