// Package commands implements the serofero-call CLI: a thin terminal
// client over the call machine, used for soak testing negotiation
// against a running relay.
package commands
