package core

// minutesPerDay bounds all minute-of-day arithmetic.
const minutesPerDay = 24 * 60

// Window is a half-open minute-of-day interval [Start, End) during which an
// action may fire. End is clamped at the day boundary: a window configured to
// extend past midnight is cut short rather than wrapped into the next day.
type Window struct {
	Start int
	End   int
}

// ActionWindow computes the firing window for a start time and a random
// window length in minutes.
func ActionWindow(hour, minute, windowMinutes int) Window {
	start := hour*60 + minute
	end := start + windowMinutes
	if end > minutesPerDay {
		end = minutesPerDay
	}
	return Window{Start: start, End: end}
}

// Contains reports whether the minute-of-day falls inside the window.
func (w Window) Contains(minuteOfDay int) bool {
	return minuteOfDay >= w.Start && minuteOfDay < w.End
}

// Remaining returns how many minutes of the window are left from the given
// minute-of-day. Zero when the window has closed or never opened.
func (w Window) Remaining(minuteOfDay int) int {
	if !w.Contains(minuteOfDay) {
		return 0
	}
	return w.End - minuteOfDay
}
