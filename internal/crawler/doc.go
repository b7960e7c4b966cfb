// Package crawler implements the breadth-first link crawl that backs a job:
// the frontier, the bounded set of in-flight fetches, per-depth totals and the
// sorted result list handed to the job on completion.
package crawler
