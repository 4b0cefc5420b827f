package resolver

import (
	"context"
	"net/netip"
	"time"

	"go.uber.org/zap"
)

// TimeReporter 接收解析耗时与结果
type TimeReporter interface {
	ReportResolve(host string, elapsed time.Duration, err error)
}

// TimedResolver 记录解析耗时的装饰器，不改变被包装解析器的结果
type TimedResolver struct {
	next     Resolver
	reporter TimeReporter
	logger   *zap.Logger
}

// NewTimedResolver 创建计时解析器
func NewTimedResolver(next Resolver, reporter TimeReporter, logger *zap.Logger) *TimedResolver {
	return &TimedResolver{
		next:     next,
		reporter: reporter,
		logger:   logger,
	}
}

func (r *TimedResolver) Resolve(ctx context.Context, name string) ([]netip.Addr, error) {
	if _, err := netip.ParseAddr(name); err == nil {
		return r.next.Resolve(ctx, name)
	}

	begin := time.Now()
	addrs, err := r.next.Resolve(ctx, name)
	elapsed := time.Since(begin)

	if err != nil {
		r.logger.Warn("域名解析失败",
			zap.String("host", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	}
	r.reporter.ReportResolve(name, elapsed, err)
	return addrs, err
}
