package taskname

const (
	// Scheduler sweeps
	DripfeedSweep    = "dripfeed:sweep"
	ReversalSweep    = "reversal:sweep"
	DependencyVerify = "order:dependency:verify"
	ProviderSync     = "provider:sync"
)
