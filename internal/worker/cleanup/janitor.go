package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// DefaultJanitorInterval はserveプロセスでの掃除間隔。
const DefaultJanitorInterval = time.Minute

// FlowSweeper は期限切れのログインフローを破棄する。loginflow.FlowStoreが実装する。
type FlowSweeper interface {
	Sweep() int
}

// IdleEvictor はアイドルなセッションストアをメモリから取り除く。session.Managerが実装する。
type IdleEvictor interface {
	EvictIdle(maxIdle time.Duration) int
}

// Janitor はserveプロセスのメモリ上の状態を掃除する。
type Janitor struct {
	flows    FlowSweeper
	sessions IdleEvictor
	maxIdle  time.Duration
	logger   *slog.Logger
}

// NewJanitor はJanitorを生成する。
func NewJanitor(flows FlowSweeper, sessions IdleEvictor, maxIdle time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		flows:    flows,
		sessions: sessions,
		maxIdle:  maxIdle,
		logger:   logger,
	}
}

// Run は1回分の掃除を行う。
func (j *Janitor) Run(_ context.Context) error {
	flows := j.flows.Sweep()
	stores := j.sessions.EvictIdle(j.maxIdle)

	if flows > 0 || stores > 0 {
		j.logger.Debug("janitor swept in-memory state",
			slog.Int("expired_flows", flows),
			slog.Int("evicted_sessions", stores),
		)
	}
	return nil
}

// Start はintervalごとにRunを実行する。ctxがキャンセルされるまでブロックする。
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	RunEvery(ctx, interval, j.logger, "janitor", j.Run)
}
