// Package incident provides the correlation boundary for Sentinel. It defines
// the Incident aggregate, the severity and trigger rules applied to each
// ingested signal, the Store interface that persists signals and incidents
// atomically, and the Service that gates analysis dispatch.
package incident
