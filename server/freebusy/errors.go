package freebusy

import "fmt"

// QueryMaxResourcesError aborts a free-busy computation that matched more
// resources than the configured limit. No partial result is returned.
type QueryMaxResourcesError struct {
	Limit  int
	Actual int
}

func (e *QueryMaxResourcesError) Error() string {
	return fmt.Sprintf("free-busy query matched %d resources, limit is %d", e.Actual, e.Limit)
}
