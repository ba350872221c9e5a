// Package download defines the domain model shared by the chapter download
// pipeline: works, chapter records, progress snapshots, job tickets and run
// summaries, plus the collaborator interfaces and the error taxonomy.
package download
