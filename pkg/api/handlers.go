package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/redisfleet/redisfleet/internal/analytics"
	"github.com/redisfleet/redisfleet/internal/archive"
	"github.com/redisfleet/redisfleet/internal/balancer"
	"github.com/redisfleet/redisfleet/internal/config"
	"github.com/redisfleet/redisfleet/internal/health"
	"github.com/redisfleet/redisfleet/internal/registry"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports 503 while no instance is healthy. Requests are still
// served from the fallback in that state.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	healthy := s.svc.Registry.HealthyInstanceIDs()
	status := http.StatusOK
	if len(healthy) == 0 {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, envelope{
		Success: status == http.StatusOK,
		Data:    map[string]interface{}{"healthyInstances": healthy},
	})
}

// Status

type statusResponse struct {
	Timestamp time.Time               `json:"timestamp"`
	Config    config.Summary          `json:"config"`
	Registry  registry.DetailedStatus `json:"registry"`
	Health    *health.SystemHealth    `json:"health,omitempty"`
	Analytics analytics.Summary       `json:"analytics"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := statusResponse{
		Timestamp: time.Now(),
		Config:    s.svc.Provider.Summary(),
		Registry:  s.svc.Registry.DetailedStatus(),
		Analytics: s.svc.Analytics.Analytics().Summary,
	}
	if sh, ok := s.svc.Health.SystemHealth(); ok {
		out.Health = &sh
	}
	s.respondData(w, out)
}

// Instances

type instanceView struct {
	Config config.InstanceConfig    `json:"config"`
	Status *registry.InstanceStatus `json:"status,omitempty"`
	Health *health.Result           `json:"health,omitempty"`
}

func (s *Server) instanceView(ic config.InstanceConfig) instanceView {
	v := instanceView{Config: ic.Redacted()}
	if st, ok := s.svc.Registry.Status(ic.ID); ok {
		v.Status = &st
	}
	if res, ok := s.svc.Health.InstanceHealth(ic.ID); ok {
		v.Health = &res
	}
	return v
}

func (s *Server) listInstances(w http.ResponseWriter, _ *http.Request) {
	configured := s.svc.Provider.AllInstances()
	views := make([]instanceView, 0, len(configured))
	healthy := 0
	for _, ic := range configured {
		v := s.instanceView(ic)
		if v.Status != nil && v.Status.IsHealthy {
			healthy++
		}
		views = append(views, v)
	}
	s.respondData(w, map[string]interface{}{
		"instances": views,
		"total":     len(views),
		"healthy":   healthy,
	})
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	ic, ok := s.svc.Provider.LookupInstance(id)
	if !ok {
		s.respondError(w, "Instance not found", fleeterrors.NewInstanceNotFoundError(id))
		return
	}
	s.respondData(w, s.instanceView(ic))
}

func (s *Server) setInstanceStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	var body struct {
		IsActive *bool `json:"isActive" validate:"required"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, "Invalid request", err)
		return
	}
	if err := s.svc.Provider.SetInstanceActive(id, *body.IsActive); err != nil {
		s.respondError(w, "Failed to update instance status", err)
		return
	}
	if err := s.svc.Registry.Sync(r.Context()); err != nil {
		s.respondError(w, "Failed to update instance status", err)
		return
	}

	state := "deactivated"
	if *body.IsActive {
		state = "activated"
	}
	s.respondMessage(w, "Instance "+id+" "+state, map[string]interface{}{
		"instanceId": id,
		"isActive":   *body.IsActive,
	})
}

func (s *Server) forceHealthCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	if err := s.svc.Registry.ForceHealthCheck(r.Context(), id); err != nil {
		s.respondError(w, "Health check failed", err)
		return
	}
	st, _ := s.svc.Registry.Status(id)
	s.respondData(w, st)
}

// Load balancing

func (s *Server) getLoadBalancing(w http.ResponseWriter, _ *http.Request) {
	history := s.svc.Balancer.RebalancingHistory()
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	s.respondData(w, map[string]interface{}{
		"config":             s.svc.Provider.LoadBalancing(),
		"metrics":            s.svc.Balancer.Metrics(),
		"rebalancingHistory": history,
	})
}

func (s *Server) updateLoadBalancing(w http.ResponseWriter, r *http.Request) {
	var patch config.LoadBalancingPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.respondError(w, "Invalid request", err)
		return
	}
	lb, err := s.svc.Provider.UpdateLoadBalancing(patch)
	if err != nil {
		s.respondError(w, "Failed to update load balancing configuration", err)
		return
	}
	s.respondMessage(w, "Load balancing configuration updated", lb)
}

func (s *Server) forceRebalance(w http.ResponseWriter, r *http.Request) {
	plans, err := s.svc.Balancer.Rebalance(r.Context())
	if err != nil {
		s.respondError(w, "Rebalancing failed", err)
		return
	}
	s.respondMessage(w, "Rebalancing completed", map[string]interface{}{
		"plans":   plans,
		"count":   len(plans),
		"metrics": s.svc.Balancer.Metrics(),
	})
}

// executePlan moves keys between two instances. Without keys, a sample
// of the source is moved as a rebalancing pass would.
func (s *Server) executePlan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string   `json:"sourceInstanceId" validate:"required"`
		Target string   `json:"targetInstanceId" validate:"required,nefield=Source"`
		Keys   []string `json:"keys" validate:"max=10000,dive,required"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, "Invalid request", err)
		return
	}

	plan := balancer.RebalancingPlan{SourceInstanceID: body.Source, TargetInstanceID: body.Target, Keys: body.Keys}
	if len(body.Keys) == 0 {
		sampled, err := s.svc.Balancer.CreatePlan(r.Context(), body.Source, body.Target)
		if err != nil {
			s.respondError(w, "Failed to create rebalancing plan", err)
			return
		}
		if sampled == nil {
			s.respondMessage(w, "Source has no keys to move", nil)
			return
		}
		plan = *sampled
	}

	done, err := s.svc.Balancer.ExecutePlan(r.Context(), plan)
	if err != nil {
		s.respondError(w, "Failed to execute rebalancing plan", err)
		return
	}
	s.respondMessage(w, "Rebalancing plan executed", done)
}

func (s *Server) resetLoadBalancingMetrics(w http.ResponseWriter, _ *http.Request) {
	s.svc.Balancer.ResetMetrics()
	s.respondMessage(w, "Load balancing metrics reset", nil)
}

// TTL strategies

func (s *Server) listTTLStrategies(w http.ResponseWriter, _ *http.Request) {
	s.respondData(w, map[string]interface{}{
		"strategies": s.svc.Provider.TTLStrategies(),
		"categories": config.AllCategories(),
	})
}

func (s *Server) updateTTLStrategy(w http.ResponseWriter, r *http.Request) {
	cat, err := config.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		s.respondError(w, "Invalid category", fleeterrors.NewValidationError("%v", err))
		return
	}
	var patch config.TTLPolicyPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.respondError(w, "Invalid request", err)
		return
	}
	pol, err := s.svc.Provider.UpdateTTLPolicy(cat, patch)
	if err != nil {
		s.respondError(w, "Failed to update TTL strategy", err)
		return
	}
	s.respondMessage(w, "TTL strategy updated for "+string(cat), map[string]interface{}{
		"category":   cat,
		"strategy":   pol,
		"optimalTTL": config.OptimalTTL(pol, 1),
	})
}

// Analytics

func (s *Server) getAnalytics(w http.ResponseWriter, _ *http.Request) {
	s.respondData(w, s.svc.Analytics.Analytics())
}

func (s *Server) getHistoricalMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	end := time.Now()
	start := end.Add(-24 * time.Hour)
	var err error
	if raw := q.Get("startDate"); raw != "" {
		if start, err = time.Parse(time.RFC3339, raw); err != nil {
			s.respondError(w, "Invalid startDate", fleeterrors.NewValidationError("startDate must be RFC3339: %v", err))
			return
		}
	}
	if raw := q.Get("endDate"); raw != "" {
		if end, err = time.Parse(time.RFC3339, raw); err != nil {
			s.respondError(w, "Invalid endDate", fleeterrors.NewValidationError("endDate must be RFC3339: %v", err))
			return
		}
	}

	hm, err := s.svc.Analytics.HistoricalMetrics(start, end, analytics.Interval(q.Get("interval")))
	if err != nil {
		s.respondError(w, "Failed to get historical metrics", err)
		return
	}
	s.respondData(w, hm)
}

func (s *Server) getCapacityPrediction(w http.ResponseWriter, _ *http.Request) {
	s.respondData(w, s.svc.Analytics.PredictCapacity())
}

func (s *Server) getReport(w http.ResponseWriter, _ *http.Request) {
	s.respondData(w, s.svc.Analytics.Report())
}

func (s *Server) getHourlyAggregates(w http.ResponseWriter, _ *http.Request) {
	s.respondData(w, s.svc.Analytics.HourlyAggregates())
}

func (s *Server) getInstanceSamples(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	if _, ok := s.svc.Provider.LookupInstance(id); !ok {
		s.respondError(w, "Instance not found", fleeterrors.NewInstanceNotFoundError(id))
		return
	}
	s.respondData(w, s.svc.Analytics.History(id))
}

// Health

func (s *Server) getSystemHealth(w http.ResponseWriter, r *http.Request) {
	sh, ok := s.svc.Health.SystemHealth()
	if !ok || r.URL.Query().Get("refresh") == "true" {
		var err error
		if sh, err = s.svc.Health.CheckAll(r.Context()); err != nil {
			s.respondError(w, "Health check failed", err)
			return
		}
	}
	s.respondData(w, sh)
}

func (s *Server) getHealthHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	if _, ok := s.svc.Provider.LookupInstance(id); !ok {
		s.respondError(w, "Instance not found", fleeterrors.NewInstanceNotFoundError(id))
		return
	}
	hours, err := intParam(r, "hours", 24)
	if err != nil {
		s.respondError(w, "Invalid hours", err)
		return
	}
	s.respondData(w, s.svc.Health.HealthHistory(id, hours))
}

func (s *Server) getRecoveryAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	if _, ok := s.svc.Provider.LookupInstance(id); !ok {
		s.respondError(w, "Instance not found", fleeterrors.NewInstanceNotFoundError(id))
		return
	}
	s.respondData(w, map[string]interface{}{
		"instanceId": id,
		"attempts":   s.svc.Health.RecoveryAttempts(id),
	})
}

// resetRecoveryAttempts re-arms auto-recovery after manual intervention,
// for one instance or, without an id, for all of them.
func (s *Server) resetRecoveryAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	if id != "" {
		if _, ok := s.svc.Provider.LookupInstance(id); !ok {
			s.respondError(w, "Instance not found", fleeterrors.NewInstanceNotFoundError(id))
			return
		}
	}
	s.svc.Health.ClearRecoveryAttempts(id)
	if id == "" {
		s.respondMessage(w, "Recovery attempts reset for all instances", nil)
		return
	}
	s.respondMessage(w, "Recovery attempts reset for "+id, nil)
}

func (s *Server) listAlertRules(w http.ResponseWriter, _ *http.Request) {
	s.respondData(w, s.svc.Health.Alerts().Rules())
}

func (s *Server) addAlertRule(w http.ResponseWriter, r *http.Request) {
	var rule health.AlertRule
	if err := decodeJSON(r, &rule); err != nil {
		s.respondError(w, "Invalid request", err)
		return
	}
	created, err := s.svc.Health.Alerts().AddRule(rule)
	if err != nil {
		s.respondError(w, "Failed to add alert rule", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, envelope{Success: true, Message: "Alert rule added", Data: created})
}

// updateAlertRule applies the request body on top of the stored rule, so
// fields left out keep their values.
func (s *Server) updateAlertRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "ruleID")
	alerts := s.svc.Health.Alerts()
	rule, err := alerts.Rule(id)
	if err != nil {
		s.respondError(w, "Alert rule not found", err)
		return
	}
	if err := decodeJSON(r, &rule); err != nil {
		s.respondError(w, "Invalid request", err)
		return
	}
	updated, err := alerts.UpdateRule(id, rule)
	if err != nil {
		s.respondError(w, "Failed to update alert rule", err)
		return
	}
	s.respondMessage(w, "Alert rule updated", updated)
}

func (s *Server) deleteAlertRule(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Health.Alerts().DeleteRule(chi.URLParam(r, "ruleID")); err != nil {
		s.respondError(w, "Failed to delete alert rule", err)
		return
	}
	s.respondMessage(w, "Alert rule deleted", nil)
}

func (s *Server) recentAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		s.respondError(w, "Invalid limit", err)
		return
	}
	s.respondData(w, s.svc.Health.Alerts().RecentAlerts(limit))
}

func (s *Server) manualFailover(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "instanceID")
	var body struct {
		Reason string `json:"reason" validate:"max=256"`
	}
	if err := decodeOptionalJSON(r, &body); err != nil {
		s.respondError(w, "Invalid request", err)
		return
	}
	if body.Reason == "" {
		body.Reason = "operator request"
	}

	ev, err := s.svc.Health.ManualFailover(r.Context(), id, body.Reason)
	if err != nil {
		s.respondError(w, "Failover failed", err)
		return
	}
	s.respondMessage(w, "Failover completed for "+id, ev)
}

func (s *Server) failoverHistory(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", 24)
	if err != nil {
		s.respondError(w, "Invalid hours", err)
		return
	}
	s.respondData(w, s.svc.Health.FailoverHistory(hours))
}

// Cache

func (s *Server) clearCaches(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Cache.ClearAll(r.Context()); err != nil {
		s.respondError(w, "Failed to clear caches", err)
		return
	}
	s.respondMessage(w, "All caches cleared", nil)
}

func (s *Server) migrateData(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source    string `json:"source" validate:"required"`
		Target    string `json:"target" validate:"required"`
		Pattern   string `json:"pattern"`
		BatchSize int    `json:"batchSize" validate:"gte=0,lte=10000"`
	}
	if err := decodeJSON(r, &body); err != nil {
		s.respondError(w, "Invalid request", err)
		return
	}
	progress, err := s.svc.Cache.MigrateData(r.Context(), body.Source, body.Target, body.Pattern, body.BatchSize)
	if err != nil {
		s.respondError(w, "Migration failed", err)
		return
	}
	s.respondMessage(w, "Migration completed", progress)
}

// Configuration

func (s *Server) getConfiguration(w http.ResponseWriter, _ *http.Request) {
	cfg := s.svc.Provider.Snapshot()
	for i := range cfg.Instances {
		cfg.Instances[i] = cfg.Instances[i].Redacted()
	}
	s.respondData(w, map[string]interface{}{
		"summary":       s.svc.Provider.Summary(),
		"configuration": cfg,
	})
}

func (s *Server) exportConfiguration(w http.ResponseWriter, r *http.Request) {
	format, err := formatParam(r)
	if err != nil {
		s.respondError(w, "Invalid format", err)
		return
	}
	data, err := s.svc.Provider.Export(format)
	if err != nil {
		s.respondError(w, "Failed to export configuration", err)
		return
	}
	if format == config.FormatYAML {
		w.Header().Set("Content-Type", "application/x-yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	s.respondData(w, map[string]interface{}{
		"configuration": json.RawMessage(data),
		"exportedAt":    time.Now(),
	})
}

func (s *Server) importConfiguration(w http.ResponseWriter, r *http.Request) {
	format, err := formatParam(r)
	if err != nil {
		s.respondError(w, "Invalid format", err)
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondError(w, "Invalid request", fleeterrors.NewValidationError("reading body: %v", err))
		return
	}
	cfg, err := config.Unmarshal(data, format)
	if err != nil {
		s.respondError(w, "Invalid configuration", err)
		return
	}
	if err := s.svc.Provider.Import(cfg); err != nil {
		s.respondError(w, "Failed to import configuration", err)
		return
	}
	if err := s.svc.Registry.Sync(r.Context()); err != nil {
		s.respondError(w, "Failed to apply configuration", err)
		return
	}
	s.respondMessage(w, "Configuration imported", s.svc.Provider.Summary())
}

// Archive

func (s *Server) requireArchive(w http.ResponseWriter) bool {
	if s.svc.Archive == nil {
		s.respondStatus(w, http.StatusServiceUnavailable, "Archive is not configured")
		return false
	}
	return true
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchive(w) {
		return
	}
	kind := archive.Kind(chi.URLParam(r, "kind"))
	switch kind {
	case archive.KindConfig, archive.KindAggregate, archive.KindReport:
	default:
		s.respondError(w, "Invalid archive kind", fleeterrors.NewValidationError("unknown archive kind %q", kind))
		return
	}
	objects, err := s.svc.Archive.List(r.Context(), kind)
	if err != nil {
		s.respondError(w, "Failed to list archive", err)
		return
	}
	s.respondData(w, objects)
}

func (s *Server) archiveConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchive(w) {
		return
	}
	format, err := formatParam(r)
	if err != nil {
		s.respondError(w, "Invalid format", err)
		return
	}
	obj, err := s.svc.Archive.SaveConfig(r.Context(), s.svc.Provider, format)
	if err != nil {
		s.respondError(w, "Failed to archive configuration", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, envelope{Success: true, Message: "Configuration archived", Data: obj})
}

func (s *Server) restoreConfig(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchive(w) {
		return
	}
	var body struct {
		Key string `json:"key"`
	}
	if err := decodeOptionalJSON(r, &body); err != nil {
		s.respondError(w, "Invalid request", err)
		return
	}
	obj, err := s.svc.Archive.RestoreConfig(r.Context(), s.svc.Provider, body.Key)
	if err != nil {
		s.respondError(w, "Failed to restore configuration", err)
		return
	}
	if err := s.svc.Registry.Sync(r.Context()); err != nil {
		s.respondError(w, "Failed to apply configuration", err)
		return
	}
	s.respondMessage(w, "Configuration restored from "+obj.Key, obj)
}

func (s *Server) archiveReport(w http.ResponseWriter, r *http.Request) {
	if !s.requireArchive(w) {
		return
	}
	obj, err := s.svc.Archive.SaveReport(r.Context(), s.svc.Analytics.Report())
	if err != nil {
		s.respondError(w, "Failed to archive report", err)
		return
	}
	s.respondJSON(w, http.StatusCreated, envelope{Success: true, Message: "Report archived", Data: obj})
}

// Helpers

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fleeterrors.NewValidationError("%s must be a positive integer", name)
	}
	return n, nil
}

func formatParam(r *http.Request) (config.Format, error) {
	switch f := config.Format(r.URL.Query().Get("format")); f {
	case "", config.FormatJSON:
		return config.FormatJSON, nil
	case config.FormatYAML:
		return config.FormatYAML, nil
	default:
		return "", fleeterrors.NewValidationError("unsupported format %q: must be json or yaml", f)
	}
}
