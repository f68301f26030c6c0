// Package exitcodes defines the process exit codes used by suiterun.
//
// Schedulers invoking suiterun can branch on these values:
//
//   - Success (0): every suite passed and the cluster was cleaned up
//   - RunFailed (1): the run completed and was reported, but something failed
//   - ConfigErr (2): invalid flags, configuration or input files
//   - NotifyErr (3): the report could not be delivered to its recipients
//   - TagInUse (4): another run holds the lease on the cluster tag
package exitcodes

const (
	Success   = 0
	RunFailed = 1
	ConfigErr = 2
	NotifyErr = 3
	TagInUse  = 4
)
