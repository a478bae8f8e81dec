package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Recover 把超过 grace 仍未完成的 WAL 条目重新发到两路流；下游按 message_id 去重。
// 返回重发的条数
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	before := o.opts.Clock().Add(-o.opts.RecoveryGrace)
	entries, err := o.deps.WAL.Pending(ctx, before, o.opts.RecoveryBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		msg, err := decodeEntry(e)
		if err != nil {
			o.log.Error("skip undecodable wal entry", zap.Int64("offset", e.Offset), zap.Error(err))
			continue
		}
		if err := o.fanout(ctx, msg, e.State); err != nil {
			// 流不可用，下一轮再试
			break
		}
		n++
	}
	if n > 0 {
		o.deps.Metrics.Recovered(n)
		o.log.Info("wal entries republished", zap.Int("count", n), zap.Int("scanned", len(entries)))
	}
	return n, nil
}

// Prune 删除保留期之外已完成的条目
func (o *Orchestrator) Prune(ctx context.Context) (int64, error) {
	n, err := o.deps.WAL.Prune(ctx, o.opts.Clock().Add(-o.opts.WALRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.log.Info("wal pruned", zap.Int64("count", n))
	}
	return n, nil
}

// Run 启动时恢复一次，之后每 recovery_every 恢复 + 裁剪，阻塞到 ctx 结束
func (o *Orchestrator) Run(ctx context.Context) error {
	o.tick(ctx)
	t := time.NewTicker(o.opts.RecoveryEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			o.tick(ctx)
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	if _, err := o.Recover(ctx); err != nil && ctx.Err() == nil {
		o.log.Warn("recovery scan failed", zap.Error(err))
	}
	if _, err := o.Prune(ctx); err != nil && ctx.Err() == nil {
		o.log.Warn("wal prune failed", zap.Error(err))
	}
}
