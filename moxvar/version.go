// Package moxvar provides the version of an imapsync build, as reported in
// logging, the IMAP ID command and the status API.
package moxvar

import (
	"runtime/debug"
)

// Name is the client name sent in the IMAP ID command.
const Name = "imapsync"

// Version is set at startup from the build information of the main module.
var Version = "(devel)"

func init() {
	Version = version()
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "(devel)"
	}
	if buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
		return buildInfo.Main.Version
	}
	var rev, modified string
	for _, setting := range buildInfo.Settings {
		switch setting.Key {
		case "vcs.revision":
			rev = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}
	if rev == "" {
		return "(devel)"
	}
	switch modified {
	case "false":
		return rev
	case "true":
		return rev + "+modifications"
	}
	return rev + "+unknown"
}

// ID returns the fields for the IMAP ID command.
func ID() map[string]string {
	return map[string]string{"name": Name, "version": Version}
}
