// Package loop provides a restartable interval loop. A Loop invokes a
// callback, waits for the configured delay once the callback has fully
// returned, and repeats until stopped. Regular cycles never overlap. Listeners
// can observe completed cycles as well as start, stop and manual executions.
package loop
