package service

import (
	"context"
	"log/slog"
	"time"

	"remote-assist/internal/clock"
)

// Sweeper 周期性清扫过期的会话和文件传输
type Sweeper struct {
	sessions  *SessionService
	transfers *TransferService
	clk       clock.Clock
	interval  time.Duration
	log       *slog.Logger
}

// NewSweeper 创建 Sweeper 实例
func NewSweeper(sessions *SessionService, transfers *TransferService, clk clock.Clock, interval time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		sessions:  sessions,
		transfers: transfers,
		clk:       clk,
		interval:  interval,
		log:       log.With("component", "sweeper"),
	}
}

// Run 按 interval 清扫，直到 ctx 取消
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce 执行一轮清扫
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := s.clk.Now()

	sessions, err := s.sessions.Sweep(ctx, now)
	if err != nil {
		s.log.Error("session sweep failed", "error", err)
	}
	transfers, err := s.transfers.Sweep(ctx, now)
	if err != nil {
		s.log.Error("transfer sweep failed", "error", err)
	}
	if sessions > 0 || transfers > 0 {
		s.log.Info("sweep finished", "sessions", sessions, "transfers", transfers)
	}
}
