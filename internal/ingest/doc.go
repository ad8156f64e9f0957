// Package ingest owns the server side of the upload pipeline.
//
// # Overview
//
// An upload moves through three calls made by the uploading client:
//
//   - InitUpload resolves the catalog owner (creating archived Titles and
//     Episodes on demand), begins a multipart session in object storage and
//     returns the part plan with one presigned URL per part.
//   - UpdateProgress records the byte high-water mark and the part numbers
//     the client has confirmed.
//   - CompleteUpload finalizes the multipart session, seeds PROCESSING asset
//     placeholders, moves the job to PROCESSING and enqueues exactly one
//     transcode job.
//
// The finalize call is the correctness boundary: when it fails the job is
// marked FAILED and nothing is placeholdered or enqueued.
//
// # Operators
//
// ListUploads, ResumeUpload, AbortUpload and RequeueUpload back the operator
// endpoints. RequeueUpload is the recovery path for jobs whose object was
// finalized but whose transcode never ran or failed.
//
// The Sweeper aborts multipart sessions nobody completed and prunes terminal
// jobs past the retention window.
package ingest
