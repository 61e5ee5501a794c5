package orchestration

import (
	"hash/fnv"

	"golang.org/x/sync/singleflight"
)

const inflightShards = 32

// inflightTable guarantees at most one concurrent execution per fingerprint.
// Fingerprints are spread over independent singleflight groups so unrelated
// calls never share a lock.
type inflightTable struct {
	groups [inflightShards]singleflight.Group
}

// DoChan joins the flight for key, starting fn when no flight is running.
func (t *inflightTable) DoChan(key string, fn func() (interface{}, error)) <-chan singleflight.Result {
	return t.group(key).DoChan(key, fn)
}

func (t *inflightTable) group(key string) *singleflight.Group {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &t.groups[h.Sum32()%inflightShards]
}
