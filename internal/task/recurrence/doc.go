// Package recurrence parses schedule strings and answers "is this rule due at T?".
//
// Two kinds of rules exist:
//   - cron rules (5 fields, 6 with leading seconds, or @hourly-style descriptors),
//     evaluated field-by-field against the calendar of T in the scheduler location
//   - interval rules ("every 15 minutes", "55m", "02:30"), due once the interval
//     has elapsed since the last fire
//
// Day-of-month and day-of-week are OR-combined when both are restricted and
// AND-combined when either one is "*" (Vixie cron convention).
//
// Expressions are pure: the same (now, last) pair always yields the same answer.
package recurrence
