// Package process runs one agent CLI process per session and turns its
// stream-json output into an ordered stream of models.ProcessEvent values.
//
// Each Handle owns a single emitter goroutine. Every event for a session
// (processStarted, message, output, statusUpdate, processExit, error) passes
// through that goroutine, so subscribers observe them in emission order.
// processStarted is always first and processExit is always last.
//
// Subscribers register per session with Manager.Subscribe and receive a
// Subscription whose Cancel removes exactly that listener.
package process
