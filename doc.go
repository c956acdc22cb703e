// Package tinyos implements the core of a small teaching kernel that
// runs on a simulated multi-core machine: a multilevel-feedback
// scheduler, process/thread lifecycle management, bounded anonymous
// pipes, and a stream-socket layer built out of two pipes.
//
// The four subsystems are deliberately kept in one package because
// they are tightly coupled in exactly the way the spec describes:
// sockets embed pipes, threads are scheduler entities, processes own
// file descriptors that may reference pipes or sockets, and pipes and
// sockets both block through condition variables built on the
// scheduler. Collaborators that are external to this core — the
// simulated BIOS and the giant-lock/condition-variable primitives —
// live in the sibling bios and kcc packages and are only consumed
// here through their exported interfaces.
package tinyos
