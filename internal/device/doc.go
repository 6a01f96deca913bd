// Package device delivers alarm configurations to the dispensing device.
//
// # Payload
//
// A Command is the JSON document the device firmware consumes:
//
//	{"action":"configure_alarms","alarms":[{"medication_name":..., "dosage":..., "time":"HH:MM", "with_food":..., "special_instructions":...}]}
//
// The device replaces its alarm table with the command's alarms, so
// re-publishing the same command is harmless.
//
// # Transport
//
// The Service hands encoded commands to a Publisher (log, spool file or
// PostgreSQL NOTIFY). It rate-limits, retries with jittered exponential
// backoff, bounds each attempt with a timeout and keeps a short history.
package device
