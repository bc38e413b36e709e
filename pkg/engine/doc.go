/*
Package engine is the event-sourced core: a single-consumer event loop that
applies events to the materialized state, runs the pure per-event handlers,
and executes the returned effect batches.

The contract is (event, state) -> (state', effects). State only changes via
Apply; handlers only read; every side effect is a data value. Inline effects
(emit, timers, notify) complete on the loop; anything slower spawns a
background task that reports back with a completion event, which keeps each
loop iteration bounded.

Handlers are deterministic given the event, the state, and the injected
clock. The only non-reproducible thing they do is mint fresh entity ids for
the events they emit; replay never re-runs handlers, so determinism of
recovery rests on Apply alone.
*/
package engine
