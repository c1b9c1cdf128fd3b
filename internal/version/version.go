// Package version provides build and version information for Sentient Sequencer.
package version

// Version is the current release version of Sentient Sequencer.
// Override at build time with:
//
//	go build -ldflags "-X github.com/AaronLay10/SentientSequencer/internal/version.Version=x.y.z"
var Version = "0.1.0"

// Commit is the source revision, set at build time.
var Commit = "unknown"

// String returns the version and commit for startup logs and /health.
func String() string {
	return Version + " (" + Commit + ")"
}
