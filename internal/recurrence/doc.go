// Package recurrence turns recurrence patterns into 5-field cron expressions
// and expands expressions into concrete execution timestamps.
//
// Expressions are parsed with robfig/cron's standard parser. Matching differs
// from robfig's scheduler in one respect: day-of-month and day-of-week are
// both required to match (AND), never either one (Vixie OR). The week pattern
// relies on this: it restricts day-of-month to 7-day blocks and day-of-week to
// the selected weekdays.
//
// Week patterns are approximated onto a fixed 31-slot monthly grid: block k
// covers days [1+k*7*every, 7+k*7*every] of every month. Repetition therefore
// restarts on the 1st of each month instead of spanning month boundaries.
package recurrence
