// Package event defines the closed enumeration of engine events and their
// tagged JSON codec. Events are the unit of WAL persistence and state
// derivation; unknown fields are ignored on load for forward compatibility,
// unknown discriminators are an error.
package event
