package types

// Version is the canonical project version.
// The CLI and the embedded worker bundle share this version; the worker
// RPC protocol is versioned separately by ProtocolVersion. Mixed-version
// deployments are unsupported.
const Version = "0.6.1"
