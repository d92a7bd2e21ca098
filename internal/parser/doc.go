// Package parser converts memory notes and session transcripts into plain
// text documents ready for chunking.
//
// Markdown notes are passed through unchanged. Session transcripts are JSONL
// files where each line is a record; message records are flattened to one
// line per message:
//
//	User: how do I rotate the logs?
//	Assistant: run logrotate with the daily policy
//
// Because flattening changes line numbers, session documents carry a LineMap
// from flattened line to transcript line, which the chunker uses to report
// original positions.
package parser
