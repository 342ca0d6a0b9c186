// Package rlimit raises the open file limit so a load run with many
// concurrent proxy connections does not fail with EMFILE.
package rlimit

// Limit is a soft and hard RLIMIT_NOFILE pair.
type Limit struct {
	Cur, Max uint64
}

// FilesFor estimates the descriptors a run with the given concurrency needs:
// one proxy connection per request in flight plus headroom for the idle pool
// and the process itself.
func FilesFor(concurrency int) uint64 {
	return uint64(max(concurrency, 0))*2 + 64
}
