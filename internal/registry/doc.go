/*
Package registry maintains a connection to every configured Redis instance
and tracks each one's live status.

Each Instance holds a small pool of clients, a circuit breaker around
request-path commands and a rolling performance window. The Registry runs
one health tick per instance at the instance's HealthCheckInterval and
recomputes performance stats every PerformanceWindow.

	connecting ──► connected ──► ready
	     │                         │
	     ▼                         ▼
	   error ◄────────────── health tick fails
	     │
	     └──► reconnecting ──► ready

Emergency failover deactivates an instance in the config Provider, marks it
down and reconnects after ReconnectDelay. A successful reconnect sets the
instance active again.

Status changes are published to subscribers:

	events, cancel := reg.Subscribe(16)
	defer cancel()
	for ev := range events {
		log.Println(ev.Kind, ev.InstanceID, ev.Status.Memory.Percentage)
	}
*/
package registry
