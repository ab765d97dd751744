// Package guestimage embeds the pre-built guest agent binary into the
// worker process image at build time, per spec: the guest is never
// loaded from disk at job time, only passed by reference from this
// embedded buffer.
//
// agent.wasm here is a placeholder. The real artifact is produced by an
// offline, out-of-repo build pipeline for the agent binary (the guest is
// a black box to this worker; only its ABI is specified, in
// internal/sandbox) and is dropped into this path before the agentd
// binary is built.
package guestimage

import _ "embed"

//go:embed agent.wasm
var Agent []byte
