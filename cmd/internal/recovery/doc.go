// Package recovery maps failures of relay-facing operations to the recovery
// action the session orchestrator takes. Classify is total and pure.
package recovery
