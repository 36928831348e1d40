// Package closure adapts guest closures into host callables with
// reference-counted lifetimes.
//
// A guest closure is an environment pair (a, b) plus a destructor index. The
// host wrapper holds one owner reference; each invocation holds another for
// its duration. Whoever drops the last reference runs the destructor:
//
//	c := closure.Wrap(shape, a, b, invoke, destroy)
//	res, err := c.Call(ctx, arg)
//	c.Drop() // destructor runs now, or when the in-flight call returns
//
// Mutable closures move their environment out while running and reject
// re-entry. Shared closures keep it in place and may recurse.
package closure
