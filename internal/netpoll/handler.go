package netpoll

// Handler 接收事件循环产生的连接事件。
//
// 调用约定：
//   - OnOpen 在事件循环 goroutine 中调用，此时连接尚未加入 epoll；返回错误会立即关闭连接；
//   - OnData 在 worker 中调用，同一连接上的 OnData 不会并发执行，且按数据到达顺序调用；
//     data 仅在本次调用期间有效；
//   - OnClose 对每条连接恰好调用一次，可能在事件循环或任意 worker 中调用。
type Handler interface {
	OnOpen(c *Conn) error
	OnData(c *Conn, data []byte)
	OnClose(c *Conn, cause error)
}

// Submitter 为读任务的执行者，通常是 conc.Pool。
type Submitter interface {
	Submit(task func()) error
}
