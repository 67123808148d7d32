// Package gaps derives, per source, the business-hour windows that no
// successful ledger record covers.
//
// The covered set is the union of [window_start, window_end) over success
// rows. Gaps are the maximal pieces of the business-hour calendar left
// after subtracting it, returned oldest first.
package gaps
