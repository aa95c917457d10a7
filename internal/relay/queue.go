package relay

import "sync"

// queue 每个接收方一个的有界队列
// 满了丢弃最旧的消息，并记住丢了多少条
type queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   [][]byte
	size    int
	dropped int
	closed  bool
}

func newQueue(size int) *queue {
	q := &queue{size: size, items: make([][]byte, 0, size)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push 入队，永远不会阻塞
// 返回是否因为队列已满丢弃了最旧的消息
func (q *queue) push(msg []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	dropped := false
	if len(q.items) >= q.size {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, msg)
	q.cond.Signal()
	return dropped
}

// next 阻塞直到有消息或队列关闭
// gap 是上一次取出之后被丢弃的消息数
// 队列关闭且已空时 ok 为 false
func (q *queue) next() (msg []byte, gap int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, 0, false
	}
	msg = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	gap = q.dropped
	q.dropped = 0
	return msg, gap, true
}

// close 关闭队列
// discard 为 true 时丢弃尚未投递的消息
func (q *queue) close(discard bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if discard {
		q.items = nil
	}
	q.cond.Broadcast()
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
