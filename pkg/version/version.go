// Package version carries the conman build identifier.
package version

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// UserAgent identifies conman to the management controller.
func UserAgent() string { return "conman/" + Build }
