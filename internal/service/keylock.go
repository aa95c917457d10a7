package service

import "sync"

// KeyLock 按 key 加锁
// 不同 key 之间互不阻塞，条目在没有持有者时回收
type KeyLock struct {
	mu      sync.Mutex
	entries map[string]*keyLockEntry
}

type keyLockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyLock 创建 KeyLock
func NewKeyLock() *KeyLock {
	return &KeyLock{entries: make(map[string]*keyLockEntry)}
}

// Lock 获取 key 上的锁，返回解锁函数
func (k *KeyLock) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &keyLockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// size 当前的条目数，测试用
func (k *KeyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
