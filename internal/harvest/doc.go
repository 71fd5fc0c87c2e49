// Package harvest defines the core types shared by the polite harvesting
// subsystem: targets and their pacing state, fetch outcomes, harvested
// records, sessions, and the interfaces the components talk through.
package harvest
