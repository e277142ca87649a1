/*
Package balancer routes cache operations to Redis instances and moves data
between them when memory use becomes uneven.

Selection is a pure function over the eligible candidates:

	Select(Request, []Candidate) (Decision, error)

The Balancer gathers candidates from the registry (healthy, connected,
active and serving the category), calls Select with the live load-balancing
policy and records the decision. Strategies:

	round-robin  totalRequests mod n
	least-used   lowest 0.6×mem% + 0.4×requests
	smart        100 − memory − latency − errors + affinity ± health
	             + sticky − emergency, highest wins
	data-type    least-used among instances whose first category matches

Rebalancing runs on a timer (RebalanceInterval) when enabled. Instances above
the capacity threshold move sampled keys to the least-loaded healthy
instance below half the threshold using DUMP, PTTL, RESTORE and DEL. A key
is deleted from its source only after a successful RESTORE.
*/
package balancer
