// Package common implements the CDP transport and dispatch engine: the
// WebSocket connection to the browser, correlation of commands to their
// responses, fan-out of events to subscribers, the registry of live targets
// and the Fetch-domain interception contract built directly on top of them.
package common
