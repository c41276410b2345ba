// Package middleware runs ordered hook chains around the fetch and parse
// operations of a crawl unit.
//
// Middlewares are registered in a map keyed by priority. Before hooks run in
// ascending priority, after hooks run in the exact reverse, and exception
// hooks run in ascending priority. Every hook returns a Result whose Action
// decides what happens to the unit of work.
package middleware

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Action is the verdict of a hook.
type Action int

// Hook verdicts.
const (
	// Continue passes the current value to the next hook.
	Continue Action = iota
	// Keep stops further deciding and keeps the current (or supplied) value.
	Keep
	// Retry re-admits the source request.
	Retry
	// Drop discards the unit of work.
	Drop
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Keep:
		return "keep"
	case Retry:
		return "retry"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Result is what a hook returns. Response and Output optionally replace the
// value flowing through the chain when Action is Keep.
type Result struct {
	Action   Action
	Response *crawler.Response
	Output   *crawler.Output
	Reason   string
}

// Next lets the chain proceed.
func Next() Result {
	return Result{Action: Continue}
}

// Kept ends the pass with the current value.
func Kept() Result {
	return Result{Action: Keep}
}

// KeepResponse ends the pass with resp.
func KeepResponse(resp *crawler.Response) Result {
	return Result{Action: Keep, Response: resp}
}

// KeepOutput ends the pass with out.
func KeepOutput(out crawler.Output) Result {
	return Result{Action: Keep, Output: &out}
}

// RetryWith asks for the source request to be re-admitted.
func RetryWith(reason string) Result {
	return Result{Action: Retry, Reason: reason}
}

// DropWith discards the unit of work.
func DropWith(reason string) Result {
	return Result{Action: Drop, Reason: reason}
}

// Releaser is implemented by fetch middlewares that acquire per-request
// resources in BeforeFetch. Release is called in reverse order when a later
// before hook aborts the chain, since no after or exception hook will run.
type Releaser interface {
	Release(ctx context.Context, req *crawler.Request)
}

// Outcome is the final verdict of a chain execution.
type Outcome struct {
	// Action is Continue when the value should be used, Retry, or Drop.
	Action Action
	Reason string
	// Err is a *crawler.MiddlewareFault when an error was not absorbed.
	Err error
}

func proceed() Outcome {
	return Outcome{Action: Continue}
}

func fromResult(res Result) Outcome {
	action := res.Action
	if action == Keep {
		action = Continue
	}
	return Outcome{Action: action, Reason: res.Reason}
}

func fault(stage string, err error) Outcome {
	return Outcome{
		Action: Drop,
		Reason: "unhandled error",
		Err:    &crawler.MiddlewareFault{Stage: stage, Err: err},
	}
}

// guard converts a panic in fn into an error.
func guard(stage string, fn func() (Result, error)) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s hook: %v", stage, r)
		}
	}()
	return fn()
}
