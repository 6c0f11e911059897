package transport

// Middleware decorates a ChatInvoker.
type Middleware func(ChatInvoker) ChatInvoker

// Chain composes middlewares so that the first one sees the request first:
// Chain(a, b)(h) is a(b(h)).
func Chain(middlewares ...Middleware) Middleware {
	return func(next ChatInvoker) ChatInvoker {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
