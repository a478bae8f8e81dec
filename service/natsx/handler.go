package natsx

import "FlareIM/service/stream"

// Middleware 包在消费 handler 外面（幂等、日志等）
type Middleware func(stream.Handler) stream.Handler

// Chain 先传入的在最外层
func Chain(h stream.Handler, mws ...Middleware) stream.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
