// Package persistence saves the PV values of a simulated IOC so that a
// restarted simulator resumes where it stopped.
//
// State is a JSON file next to the PV database. Alarms and put gates are not
// saved: they describe the running simulation, not its values.
package persistence
