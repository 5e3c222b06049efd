// Package domain holds the run model shared by every pipeline component:
// the RunContext ledger, phases and steps, warnings, component results and
// the pipeline error taxonomy.
//
// This is part of the Functional Core - no I/O happens here. The clock is
// injected so tests can pin timestamps.
package domain
