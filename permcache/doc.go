// Package permcache memoizes resolved permission sets with a TTL and
// explicit invalidation. TTL alone cannot bound staleness after a
// permission change; invalidation events on the bus close that gap.
package permcache
