package jobs

import "time"

const TaskPruneCache = "cache:prune_expired"

// Pruner drops cached entries older than maxAge and reports how many went.
// *cache.RequestCache implements it.
type Pruner interface {
	PruneExpired(maxAge time.Duration) int
}
