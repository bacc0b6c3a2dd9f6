// Package webhook accepts externally signed events onto the queue.
//
// A hook request is POSTed to /hooks/<event name> with the raw JSON payload
// as body and an HMAC-SHA256 signature of that body in X-Devle-Signature,
// either as "sha256=<hex>" or plain hex. Only the configured event names are
// accepted. An optional X-Devle-Dedupe-Key header is passed to the queue.
//
// # Security Model
//
// - Signatures are compared with crypto/subtle (constant time)
// - Bodies are capped at MaxBodySize
// - Verification failures always answer a generic 403
// - Request logs never include payloads
package webhook
