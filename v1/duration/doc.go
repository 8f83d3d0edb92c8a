// Package duration converts human durations such as "1m 30s" into
// time.Duration values and back, and provides the context-aware Sleep used by
// the interval loop. Plain numbers are read as milliseconds.
package duration
