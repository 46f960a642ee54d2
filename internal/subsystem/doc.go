// Package subsystem groups tick tasks into restartable managers.
//
// The server runs four of them: character, connection, cycle-process and
// NPC. A restart retires the manager's current tasks and builds fresh ones
// from the same Builder, which is how an operator recovers a frozen
// simulation without restarting the process.
package subsystem
