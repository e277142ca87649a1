package cache

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/redisfleet/redisfleet/internal/balancer"
	"github.com/redisfleet/redisfleet/internal/registry"
	fleeterrors "github.com/redisfleet/redisfleet/pkg/errors"
)

// BatchKind is a batchable command.
type BatchKind string

const (
	BatchGet    BatchKind = "get"
	BatchSet    BatchKind = "set"
	BatchDelete BatchKind = "del"
)

// BatchOperation is one command in a batch.
type BatchOperation struct {
	Operation BatchKind   `json:"operation"`
	Key       string      `json:"key"`
	Value     interface{} `json:"value,omitempty"`
	Options   Options     `json:"-"`
}

// BatchItemResult is the outcome for one key.
type BatchItemResult struct {
	Key        string      `json:"key"`
	Success    bool        `json:"success"`
	Data       interface{} `json:"data,omitempty"`
	InstanceID string      `json:"instanceId,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// BatchResult holds per-key results in request order.
type BatchResult struct {
	Success       bool              `json:"success"`
	Results       []BatchItemResult `json:"results"`
	TotalTime     float64           `json:"totalTime"` // milliseconds
	InstancesUsed []string          `json:"instancesUsed"`
}

type batchGroup struct {
	inst    *registry.Instance
	indexes []int
	cmds    []registry.Command
}

// Batch routes every operation with its own Options, then runs one pipeline per instance.
// Groups run concurrently; a failed pipeline fails only its own keys.
func (f *Facade) Batch(ctx context.Context, ops []BatchOperation) BatchResult {
	start := f.now()
	results := make([]BatchItemResult, len(ops))
	groups := make(map[string]*batchGroup)
	var order []string

	for i, op := range ops {
		results[i] = BatchItemResult{Key: op.Key}

		cmd, err := f.batchCommand(op)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}

		category := categoryOf(op.Options)
		d, err := f.route(ctx, category, operationOf(op.Options, batchRoute(op.Operation)), op.Key, op.Options)
		if err != nil {
			results[i].Error = err.Error()
			continue
		}

		g, ok := groups[d.InstanceID]
		if !ok {
			g = &batchGroup{inst: d.Instance}
			groups[d.InstanceID] = g
			order = append(order, d.InstanceID)
		}
		g.indexes = append(g.indexes, i)
		g.cmds = append(g.cmds, cmd)
	}

	var eg errgroup.Group
	for _, id := range order {
		g := groups[id]
		eg.Go(func() error {
			f.runBatchGroup(ctx, g, ops, results)
			return nil
		})
	}
	_ = eg.Wait()

	res := BatchResult{Success: true, Results: results, InstancesUsed: order}
	for _, r := range results {
		if !r.Success {
			res.Success = false
			break
		}
	}
	res.TotalTime = f.elapsedMs(start)
	return res
}

// runBatchGroup writes only the result slots owned by g.
func (f *Facade) runBatchGroup(ctx context.Context, g *batchGroup, ops []BatchOperation, results []BatchItemResult) {
	id := g.inst.ID()
	out, err := g.inst.Exec(ctx, g.cmds)
	if err != nil {
		f.logger.Error("Batch pipeline failed", map[string]interface{}{
			"instance": id, "commands": len(g.cmds), "error": err.Error(),
		})
		for _, idx := range g.indexes {
			results[idx].InstanceID = id
			results[idx].Error = err.Error()
		}
		return
	}

	for j, idx := range g.indexes {
		r := &results[idx]
		r.InstanceID = id
		if out[j].Err != nil {
			r.Error = out[j].Err.Error()
			continue
		}
		r.Success = true
		switch ops[idx].Operation {
		case BatchGet:
			if out[j].Found {
				g.inst.RecordHit()
				r.Data = out[j].Value
			} else {
				g.inst.RecordMiss()
			}
			f.recordRead(categoryOf(ops[idx].Options), "redis", out[j].Found)
		case BatchSet:
			r.Data = true
		case BatchDelete:
			var n int64
			if out[j].Found {
				n = 1
			}
			r.Data = n
		}
	}
}

func (f *Facade) batchCommand(op BatchOperation) (registry.Command, error) {
	switch op.Operation {
	case BatchGet:
		return registry.Command{Kind: registry.CmdGet, Key: op.Key}, nil
	case BatchDelete:
		return registry.Command{Kind: registry.CmdDel, Key: op.Key}, nil
	case BatchSet:
		v, err := serialize(op.Value)
		if err != nil {
			return registry.Command{}, err
		}
		return registry.Command{
			Kind:  registry.CmdSet,
			Key:   op.Key,
			Value: v,
			TTL:   f.ttl(categoryOf(op.Options), op.Options),
		}, nil
	}
	return registry.Command{}, errUnsupportedBatch(op.Operation)
}

func batchRoute(kind BatchKind) balancer.Operation {
	switch kind {
	case BatchGet:
		return balancer.OpRead
	case BatchDelete:
		return balancer.OpDelete
	}
	return balancer.OpWrite
}

func errUnsupportedBatch(kind BatchKind) error {
	return fleeterrors.NewValidationError("unsupported batch operation %q", kind)
}
