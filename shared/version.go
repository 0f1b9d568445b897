package shared

// Version of the companion module, bumped on tagged releases.
const Version = "0.3.0"
