package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"FlareIM/tools/errs"
)

// Policy 退避策略：第 n 次重试等待 min(Base*2^n, Cap)，开启 Jitter 时取 [d/2, d]
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
	Jitter      bool
}

func DefaultPolicy() Policy {
	return Policy{
		Base:        250 * time.Millisecond,
		Cap:         30 * time.Second,
		MaxAttempts: 5,
		Jitter:      true,
	}
}

func (p Policy) norm() Policy {
	if p.Base <= 0 {
		p.Base = 250 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 30 * time.Second
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// Classifier 判断错误是否值得重试
type Classifier func(err error) bool

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func int63n(n int64) int64 {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Int63n(n)
}

// Delay 第 n 次失败(从 0 开始)后的等待时长
func (p Policy) Delay(n int) time.Duration {
	p = p.norm()
	if n < 0 {
		n = 0
	}
	// 逐次翻倍，触顶即停，避免位移溢出
	d := p.Base
	for i := 0; i < n && d < p.Cap; i++ {
		d *= 2
	}
	if d > p.Cap {
		d = p.Cap
	}
	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(int64n(int64(d-half)+1))
	}
	return d
}

func int64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return int63n(n)
}

// Executor 统一的重试执行器，所有消费循环里的重试都走这里
type Executor struct {
	Policy   Policy
	Classify Classifier
	// Sleep 可替换（测试用）
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(p Policy, classify Classifier) *Executor {
	if classify == nil {
		classify = errs.IsRetryable
	}
	return &Executor{Policy: p.norm(), Classify: classify, Sleep: sleepCtx}
}

// Do 最多执行 MaxAttempts 次；attempt 从 1 开始。返回最后一次的错误与实际次数
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	p := e.Policy.norm()
	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return attempt - 1, errs.ErrDeadlineExceeded.WrapMsg(cerr.Error())
		}
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		if !e.Classify(err) || attempt == p.MaxAttempts {
			return attempt, err
		}
		if serr := sleep(ctx, p.Delay(attempt-1)); serr != nil {
			return attempt, errs.ErrDeadlineExceeded.WrapMsg(serr.Error())
		}
	}
	return p.MaxAttempts, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
