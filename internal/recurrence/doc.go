// Package recurrence models recurrence rules: a period type, a multiplier,
// an anchor (period start), an optional end and an optional weekday set.
//
// All stepping is calendar-aware. Occurrences are always derived from the
// anchor by index (occurrence k = anchor stepped k*multiplier units), so month
// and weekday clamping never accumulates drift:
//
//	Jan 31 -> Feb 29 -> Mar 31 -> Apr 30 (monthly, leap year)
//
// A Recurrence is an immutable value. Methods named With* return a modified
// copy; the receiver is never changed.
package recurrence
