// Package session owns peer-to-peer wire helpers for netron links.
//
// Ownership boundary:
// - hello handshake frames
// - get/set/task request and response codecs
// - one-way event frames
// - pending request table, retry/backoff and transport security config
package session
