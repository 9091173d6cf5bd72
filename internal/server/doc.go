// Package server exposes the relay over WebSocket and raw TCP.
//
// The implementation is organized into specialized files for configuration,
// origin checks, the two connection adapters, connection tracking, routing,
// and HTTP handlers. Protocol handling lives in the dispatch package; this
// package only frames bytes and manages connection lifetimes.
package server
