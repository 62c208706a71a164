// Package sweeper runs the relay's periodic maintenance on cron schedules:
// expiring typing flags (default every 10s) and reaping connections whose
// transport closed without a clean disconnect (default every 5m).
package sweeper
