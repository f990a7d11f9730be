// Package scheduler submits configured tasks to the engine on recurring
// triggers (cron expressions or fixed intervals).
//
// It only decides when to submit. Ordering and execution belong to the engine.
package scheduler
