// Package inference is a client for the vision-inference collaborator.
//
// The collaborator accepts POST {base}/analyze with a base64 image and
// answers with a face count, detected objects and a confidence value.
// Requests are retried on 5xx and 429 with jittered exponential backoff.
//
// Dispatcher runs analyses off the caller's goroutine under a weighted
// semaphore with a per-call timeout, and substitutes a neutral
// low-confidence result whenever the collaborator fails or times out.
package inference
