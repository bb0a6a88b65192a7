// Package crawler defines the core types shared by the queue store, the
// segment writer, the worker pool and their collaborators.
package crawler
