// Package memory is the caller-facing memory index. A Manager serves one
// agent: it syncs the agent's notes and transcripts into its store and answers
// searches from whatever the store currently holds. A Registry hands out one
// Manager per agent id.
package memory
