// Package notification defines the unified notification model shared by the
// batcher, queue engine and leader controller, and the pure normalizers that
// build it from raw system notices and raw WhatsApp message envelopes.
//
// Normalizers never fail: malformed input yields a degraded but valid
// notification (for example "image message" when content is unrecognized).
package notification
