// # Go Realtime Session Negotiator
//
// Package realtime opens a realtime, two-way audio and text session with a hosted speech model over WebRTC. A Session owns the peer connection, the microphone track and the ordered control data channel, and negotiates the SDP offer/answer through a credential broker (package broker) so the process never holds the provider's long-lived API key.
//
// Two signaling modes are available: BrokerSignaler, where the broker performs the upstream SDP exchange itself, and DirectSignaler, where the broker only issues a short-lived credential and the client posts the offer to the endpoint.
package realtime
