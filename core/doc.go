// Package core defines the shared domain types of the Conversimple SDK:
// the agent and tool contracts, the error taxonomy, and the local event bus
// interface. It has no dependencies on the transport or orchestration layers.
package core
