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

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// chatNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	chatNamespace = "chat"

	messageTypeLabelName = "type"
	commandLabelName     = "command"
)

var (
	// taskBuckets 为 worker 任务耗时直方图的桶划分，单位为秒。
	// 实际桶分布为：
	// [0.0001 0.0002 0.0004 ... 1.6384]
	taskBuckets = prometheus.ExponentialBuckets(0.0001, 2, 15)

	chatMetricsRegisterOnce sync.Once

	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: chatNamespace,
			Name:      "connected_clients",
			Help:      "当前已建立的客户端连接数",
		})

	OnlineUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: chatNamespace,
			Name:      "online_users",
			Help:      "当前已登录的用户数",
		})

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Name:      "messages_total",
			Help:      "按类型统计的已投递消息数",
		}, []string{messageTypeLabelName})

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: chatNamespace,
			Name:      "commands_total",
			Help:      "按命令统计的已处理命令数",
		}, []string{commandLabelName})

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: chatNamespace,
			Name:      "task_duration_seconds",
			Help:      "worker 处理单个读任务的耗时",
			Buckets:   taskBuckets,
		})

	PoolQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: chatNamespace,
			Name:      "pool_queue_length",
			Help:      "worker 任务队列中等待执行的任务数",
		})
)

// RegisterChatMetrics 将聊天服务相关指标注册到 Prometheus Registry 中。
func RegisterChatMetrics(registry prometheus.Registerer) {
	chatMetricsRegisterOnce.Do(func() {
		registry.MustRegister(ConnectedClients)
		registry.MustRegister(OnlineUsers)
		registry.MustRegister(MessagesTotal)
		registry.MustRegister(CommandsTotal)
		registry.MustRegister(TaskDuration)
		registry.MustRegister(PoolQueueLength)
	})
}
