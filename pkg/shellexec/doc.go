// Package shellexec runs shell effects and external queue commands. Every
// run happens in a background task owned by the executor; in-flight runs
// are cancellable per owner so job cancellation can abort a running step.
package shellexec
