/*
Package types provides the core interfaces and data structures shared by the
Strata policy and tiered cache engine.

The engine consumes storage backends only through the narrow Adapter
interface; concrete transports are supplied by the surrounding system per
backend. Value types defined here (UsageSnapshot, Violation, ReplicaSet,
CacheStats) cross component boundaries and are safe to serialize for the
read-only query API.

All interfaces accept a context.Context on blocking operations and return
explicit errors. Implementations must be safe for concurrent use.
*/
package types
