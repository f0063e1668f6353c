// Package reminder schedules a recurring weekly notification.
//
// Two mechanisms run side by side for the same logical event. The primary one
// registers a one-shot exact alarm and re-arms itself from the fire handler.
// The fallback one registers a 7-day periodic job that the job facility
// repeats on its own. Both share NextTrigger and the dispatch Gate, so a
// weekly event may be delivered twice when both fire close together.
//
// The package keeps no registry. Registrations live in the facilities and are
// lost when the process exits; callers re-register at boot.
package reminder
