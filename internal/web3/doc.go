// Package web3 defines the narrow blockchain client contract consumed by the
// plugin runtime. The runtime never talks to a chain directly: it wraps a
// web3.Client in a metered facade that charges every call against the
// executing plugin's network quota. Implementations include an EVM client
// built on go-ethereum and a deterministic mock used in tests and offline
// deployments.
package web3
