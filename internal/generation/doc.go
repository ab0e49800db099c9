// Package generation runs tracking sessions on behalf of callers. A Context
// carries the caller's topic and last result explicitly; the Manager starts,
// looks up, cancels, and archives sessions by id.
package generation
