// Package nostr implements the Nostr protocol core: events with
// content-addressed IDs and Schnorr signatures, subscription filters,
// the JSON-array wire envelopes, proof-of-work mining, and the NIP-04,
// NIP-44, NIP-19 and NIP-65 codecs.
//
// The pool subpackage builds the multi-relay connection runtime on top
// of this package; the client subpackage ties pool, gossip-based relay
// selection, signing and storage together.
package nostr
