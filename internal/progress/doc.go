// Package progress carries the event stream of the download pipeline: the
// event vocabulary, a non-blocking hub that orders and fans events out to live
// subscribers and batched sinks, and the status projection served to
// operators.
package progress
