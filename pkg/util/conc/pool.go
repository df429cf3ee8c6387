// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conc

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/atomic"

	"github.com/lk2023060901/garden-chat/pkg/util/merr"
)

// Pool 是固定大小的任务池。
// 任务进入无界 FIFO 队列，由 size 个常驻 worker 按提交顺序取出执行；
// worker 协程由 ants 管理。Submit 从不阻塞调用方。
type Pool struct {
	inner *ants.Pool
	opt   *poolOption
	size  int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	active atomic.Int32
	wg     sync.WaitGroup
}

// NewPool 创建一个拥有 size 个 worker 的任务池。
func NewPool(size int, opts ...PoolOption) (*Pool, error) {
	if size <= 0 {
		return nil, merr.WrapErrParameterInvalidRange(1, 1<<16, size, "pool size")
	}
	opt := defaultPoolOption()
	for _, o := range opts {
		o(opt)
	}

	inner, err := ants.NewPool(size, antsOptions()...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ants pool")
	}

	p := &Pool{
		inner: inner,
		opt:   opt,
		size:  size,
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		if err := inner.Submit(p.workerLoop); err != nil {
			p.wg.Done()
			p.Release()
			return nil, errors.Wrap(err, "failed to start pool worker")
		}
	}
	return p, nil
}

// Submit 将任务加入队列并唤醒一个空闲 worker。
// 任务池释放后返回 merr.ErrPoolClosed。
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return merr.ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Release 停止接收新任务，等待队列中已有任务全部执行完毕后返回。
// 可重复调用。
func (p *Pool) Release() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.inner.Release()
}

// Size 返回 worker 数量。
func (p *Pool) Size() int {
	return p.size
}

// QueueLen 返回尚未被取出的任务数。
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Active 返回正在执行任务的 worker 数。
func (p *Pool) Active() int {
	return int(p.active.Load())
}

func (p *Pool) workerLoop() {
	defer p.wg.Done()
	for {
		task, ok := p.next()
		if !ok {
			return
		}
		p.run(task)
	}
}

// next 阻塞直到取到任务；队列为空且任务池已关闭时返回 false。
func (p *Pool) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	task := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return task, true
}

func (p *Pool) run(task func()) {
	p.active.Inc()
	start := time.Now()
	defer func() {
		if v := recover(); v != nil && p.opt.panicHandler != nil {
			p.opt.panicHandler(v)
		}
		p.active.Dec()
		if p.opt.postHandler != nil {
			p.opt.postHandler(time.Since(start))
		}
	}()

	if p.opt.preHandler != nil {
		p.opt.preHandler()
	}
	task()
}
