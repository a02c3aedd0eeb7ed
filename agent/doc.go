// Package agent provides the built-in phase agent implementations and the
// default agent pool.
//
// FunctionAgent adapts a plain Go function; ModelAgent drives a language
// model per content unit; Pool executes a batch of shards across one or more
// agents with bounded concurrency while guaranteeing results come back in
// submission order.
package agent
