package dispatch

// WithBeforeHandle installs a hook that runs on the worker goroutine
// before each request. Tests use it to block or crash workers.
func WithBeforeHandle(fn func(Request)) Option {
	return func(o *options) { o.beforeHandle = fn }
}
