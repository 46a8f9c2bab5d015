// Package interceptors wraps message handlers with cross-cutting behaviour.
//
// An Interceptor sees every envelope before the handler does and the Result
// after it. Interceptors run in the order they are added to a Chain:
//
//	chain := interceptors.NewChain().
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewFilteringInterceptor(filter, interceptors.SkipWithLog, logger))
//
//	registry.Register(routing.RouteRequestedType, chain.Then(handler))
package interceptors
