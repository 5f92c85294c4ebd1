// Package pairing turns scanned pairing codes into validated peer identifiers.
//
// Resolution is pure parsing: nothing here touches the network, so a bad scan
// can be rejected before any relay traffic is produced.
package pairing
