package internal

// Version is reported by /healthz and the version command.
const Version = "0.3.0"
