// Package gateway serves authenticated WebSocket connections and closes
// them in real time when their session is revoked in any process of the
// deployment. Revocations and broadcasts travel over the shared event
// bus, so gateways never poll session state.
package gateway
