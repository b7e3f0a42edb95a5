// Package buildinfo carries version stamps set with -ldflags "-X".
package buildinfo

import "runtime/debug"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

// Info reports the stamped values, falling back to the module build info
// when the binary was built without ldflags.
func Info() map[string]string {
	info := map[string]string{
		"version": Version,
		"commit":  Commit,
		"builtAt": BuiltAt,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info["go"] = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info["commit"] == "" {
					info["commit"] = s.Value
				}
			case "vcs.time":
				if info["builtAt"] == "" {
					info["builtAt"] = s.Value
				}
			}
		}
	}
	return info
}
