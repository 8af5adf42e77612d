package turn

import "sync/atomic"

// SteerWindow is the single authoritative "steer window open" flag.
// The turn executor owns it: open while the in-flight turn can still
// accept steering (during intermediate generation steps), closed the
// moment the executor locks its input for the final step. The router
// only ever reads it at classification time — never reconstructs the
// boundary from timestamps, so there is no clock-skew race.
type SteerWindow struct {
	open atomic.Bool
}

func NewSteerWindow() *SteerWindow { return &SteerWindow{} }

func (w *SteerWindow) Open()  { w.open.Store(true) }
func (w *SteerWindow) Close() { w.open.Store(false) }

// IsOpen reports whether injected content can still reach the current
// generation step.
func (w *SteerWindow) IsOpen() bool { return w.open.Load() }
