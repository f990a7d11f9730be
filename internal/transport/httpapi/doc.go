// Package httpapi exposes submission and inspection over HTTP.
//
// Routes:
//
//	GET  /                 greeting
//	POST /tasks/           submit {"owner","name","description","priority"}
//	GET  /tasks/running    items currently executing
//	GET  /tasks/pending    items waiting, unordered
//	GET  /tasks/history    finished runs, newest first (?limit=N)
//	GET  /healthz          ok, or 503 once the dispatcher has failed
//	GET  /status           engine snapshot and schedules
//	GET  /debug/pprof/     when enabled
package httpapi
