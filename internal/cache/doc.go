/*
Package cache is the unified entry point for reading and writing the Redis fleet.

Every call is routed to one instance, either by the load balancer or by the
caller through Options.ForceInstance and Options.SkipLoadBalancing. The TTL
comes from the category policy unless Options.TTL overrides it.

	caller ──► Facade ──► route ──► Instance (breaker, timeout)
	                │                    │
	                │           InstanceOperationError
	                │           NoEligibleInstanceError
	                ▼                    │
	            Fallback ◄───────────────┘

The fallback map is consulted only when the routed instance failed or no
instance was eligible, and only while the fallback policy is enabled. It is
bounded and evicts the oldest insertion first.

Batch groups operations by routed instance and sends one pipeline per group.
MigrateData moves keys between two instances with DUMP/PTTL/RESTORE and
deletes each key from the source only after its restore succeeded.
*/
package cache
