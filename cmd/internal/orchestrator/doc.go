// Package orchestrator drives the holder's session lifecycle: activation
// (login + subscription), pairing scans that send IDENTIFY, inbound
// LOGIN_REQUEST hand-off, and the recovery actions relay failures map to.
//
// Every state mutation happens on the Run loop. Network calls run on their
// own goroutines and post their completion back to the loop; a completion
// for a session that has since been logged out is discarded.
package orchestrator
