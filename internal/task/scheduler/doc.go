// Package scheduler is the tick clock behind scheduled actions.
//
// A robfig/cron "@every" entry polls the wall clock. Each tick reads the
// action registry, runs the actions stored under the current "HH:MM" slot in
// insertion order and records when they ran. A per-action guard keeps an
// action from firing twice in the same minute even though the tick interval
// is shorter than a minute.
package scheduler
