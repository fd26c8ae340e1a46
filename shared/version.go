package shared

// Version is overridden at build time with
// -ldflags "-X github.com/bt-bridge/realtime-session/shared.Version=...".
var Version = "dev"
