/*
Package analytics samples instance statuses once per metrics interval and
derives fleet analytics from the last 24 hours of samples.

	Collect ──► per-instance samples (24h) ──► Analytics / HistoricalMetrics
	                 │                          PredictCapacity / Report
	                 └─► HourlyAggregate ──► Sink (archive)

Growth rates are least-squares slopes over minute-spaced samples, scaled to
per hour. Capacity predictions need at least ten samples; below that the
prediction is flat with zero confidence.
*/
package analytics
