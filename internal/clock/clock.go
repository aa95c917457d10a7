// Package clock 提供可注入的时间源
// 生产代码使用 Real()，测试使用 NewFake() 手动推进时间
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock 抽象了当前时间与延时回调
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 可取消、可重置的定时器
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Real 返回基于 time 包的时钟
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake 是测试用时钟，只有调用 Advance 时时间才会前进
// 到期的回调在 Advance 的调用方 goroutine 中同步执行
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

// NewFake 创建起始于 start 的测试时钟
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now 返回当前的虚拟时间
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc 注册一个在虚拟时间 d 之后触发的回调
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, fn: f, at: c.now.Add(d), active: true}
	c.timers = append(c.timers, t)
	return t
}

// Advance 推进虚拟时间并按到期顺序执行回调
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []*fakeTimer
	for _, t := range c.timers {
		if t.active && !t.at.After(now) {
			t.active = false
			due = append(due, t)
		}
	}
	c.compact()
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// Pending 返回尚未触发的定时器数量
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if t.active {
			n++
		}
	}
	return n
}

// compact 移除已失效的定时器，调用方持有锁
func (c *Fake) compact() {
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.active {
			live = append(live, t)
		}
	}
	c.timers = live
}

type fakeTimer struct {
	clock  *Fake
	fn     func()
	at     time.Time
	active bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.active
	t.at = t.clock.now.Add(d)
	if !was {
		t.active = true
		t.clock.timers = append(t.clock.timers, t)
	}
	return was
}
