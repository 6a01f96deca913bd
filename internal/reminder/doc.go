// Package reminder drives time-based work off the stored schedule.
//
// Two kinds of cron entries are kept:
//   - a daily refresh (default "5 0 * * *") that republishes the device alarm
//     table for the new day and rebuilds the dose entries
//   - one entry per distinct dose time today ("MM HH * * *"), which sends a
//     caregiver reminder through a Sender
//
// Dose entries are rebuilt after every successful dispatch.
package reminder
