// Package crawler holds the keyword graph domain: keywords, jobs and document count
// snapshots, the store contracts they persist through, and the orchestrator that turns
// one job into provider calls and graph mutations.
package crawler
