// Package scheduler is the entry point of the daily billing run.
//
// Handler.HandleScheduled is invoked once per day by the time trigger. It
// takes the run lock, runs the billing stages within the run budget,
// dispatches the resulting customer notifications, records which trial
// notices were delivered, analyzes the run for alerts, archives the run
// report and returns the response envelope:
//
//	{"success":true,"message":"...","duration":"1534ms","results":{...},"timestamp":"2026-03-10T09:00:01Z"}
//
// A failure of the run as a whole, including a panic, produces
// {"success":false,"error":"...",...} and a system_error alert. Individual
// subscription failures never do.
//
// ManualTrigger runs the same cycle for operators and is exposed as
// POST /billing/run by NewRouter, next to /healthz, /readyz and /metrics.
//
// ParseSchedule accepts EventBridge expressions such as cron(0 9 * * ? *)
// and rate(1 day) as well as standard 5-field cron.
package scheduler
