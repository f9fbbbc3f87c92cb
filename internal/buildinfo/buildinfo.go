// Package buildinfo reports what binary is running. The variables are set
// with -ldflags "-X orderhub/internal/buildinfo.Version=..."; VCS data
// embedded by the toolchain fills the gaps.
package buildinfo

import "runtime/debug"

var (
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

type BuildInfo struct {
    Version   string `json:"version"`
    Commit    string `json:"commit,omitempty"`
    BuiltAt   string `json:"builtAt,omitempty"`
    GoVersion string `json:"goVersion,omitempty"`
    Modified  bool   `json:"modified,omitempty"`
}

func Info() BuildInfo {
    bi := BuildInfo{Version: Version, Commit: Commit, BuiltAt: BuiltAt}
    info, ok := debug.ReadBuildInfo()
    if !ok { return bi }
    bi.GoVersion = info.GoVersion
    for _, s := range info.Settings {
        switch s.Key {
        case "vcs.revision":
            if bi.Commit == "" { bi.Commit = s.Value }
        case "vcs.time":
            if bi.BuiltAt == "" { bi.BuiltAt = s.Value }
        case "vcs.modified":
            bi.Modified = s.Value == "true"
        }
    }
    return bi
}
