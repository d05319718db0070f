// Package report renders benchmark results as HTML.
package report

import "time"

// Row is one measured scenario.
type Row struct {
	Scenario string
	Shape    string
	Samples  int
	Avg      time.Duration
	Min      time.Duration
	P75      time.Duration
	P99      time.Duration
	Max      time.Duration
	// Rate is operations per second.
	Rate string
}
