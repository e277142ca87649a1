/*
Package metrics exports fleet metrics in the Prometheus format.

A single Collector owns a private prometheus.Registry. It implements
registry.OperationRecorder, so every request-path Redis command is counted
and timed per instance and per operation. Instance gauges (memory, health,
throughput, error rate) are refreshed from registry status events:

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		log.Fatal(err)
	}
	opts := registry.DefaultOptions()
	opts.Recorder = collector
	reg := registry.New(provider, opts, logger)

	events, cancel := reg.Subscribe(64)
	defer cancel()
	go collector.Watch(ctx, events)

	router.Handle("/metrics", collector.Handler())

# Exported series

All names carry the configured namespace (default "redisfleet").

	operations_total{instance,operation,status}
	operation_duration_seconds{instance,operation}
	errors_total{operation,type}
	cache_requests_total{category,source,result}
	fallback_operations_total{operation}
	routing_decisions_total{category,strategy,instance}
	rebalance_keys_total{result}
	alerts_total{rule,severity}
	failovers_total{instance,result}
	memory_used_bytes{instance}
	memory_usage_percent{instance}
	instance_healthy{instance}
	operations_per_second{instance}
	error_rate_percent{instance}
	health_score

A disabled Collector accepts every call and records nothing.
*/
package metrics
