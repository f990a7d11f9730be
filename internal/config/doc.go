// Package config loads the taskmgr configuration file (JSON or YAML), validates
// it, and watches it for changes.
//
// Example (YAML):
//
//	logging:
//	  level: info
//	  console: true
//	engine:
//	  workers: 4
//	  work_duration: 5s
//	http:
//	  enabled: true
//	  addr: 127.0.0.1:8000
//	storage:
//	  driver: sqlite
//	  path: ./taskmgr.db
//	schedules:
//	  - name: nightly-report
//	    owner: ops
//	    priority: Low
//	    spec: "02:30"
package config
