// Package ciris provides the shared domain types, error taxonomy, logging,
// and configuration used by every subsystem of the CIRIS reasoning core:
// the service registry, audit chain, persistence layer, service bus, DMA
// pipeline, cognitive processor, and action handlers.
//
// Every other package in this module (clock, registry, audit, persistence,
// bus, dma, processor, handlers) imports this package for its Task, Thought,
// Correlation, and ServiceInfo types rather than redefining them, so that a
// Task created by the processor and a Task read back by persistence are the
// same Go type throughout the process.
package ciris
