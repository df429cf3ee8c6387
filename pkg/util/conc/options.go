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
	"time"

	ants "github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/lk2023060901/garden-chat/pkg/log"
)

type poolOption struct {
	// panicHandler 为任务发生 panic 时的自定义处理逻辑，worker 在处理后继续服务。
	panicHandler func(any)

	// preHandler 为实际任务执行前的预处理函数。
	preHandler func()
	// postHandler 为任务执行完成后的回调，参数为任务耗时。
	postHandler func(time.Duration)
}

// antsOptions 返回承载常驻 worker 的 ants 配置：预分配、不清理空闲协程。
func antsOptions() []ants.Option {
	return []ants.Option{
		ants.WithPreAlloc(true),
		ants.WithNonblocking(false),
		ants.WithDisablePurge(true),
		// 任务级别的 panic 已在 worker 循环内 recover，这里只兜底 worker 循环本身。
		ants.WithPanicHandler(func(v any) {
			log.Error("Conc pool worker loop panicked", zap.Any("panic", v))
		}),
	}
}

// PoolOption 用于配置协程池行为的选项函数。
type PoolOption func(opt *poolOption)

func defaultPoolOption() *poolOption {
	return &poolOption{
		panicHandler: func(v any) {
			log.Error("Conc pool task panicked", zap.Any("panic", v), zap.Stack("stack"))
		},
	}
}

func WithPanicHandler(fn func(any)) PoolOption {
	return func(opt *poolOption) {
		opt.panicHandler = fn
	}
}

func WithPreHandler(fn func()) PoolOption {
	return func(opt *poolOption) {
		opt.preHandler = fn
	}
}

func WithPostHandler(fn func(time.Duration)) PoolOption {
	return func(opt *poolOption) {
		opt.postHandler = fn
	}
}
