package build

import "strings"

// Build metadata, overridable at link time via -ldflags.
var (
	Version = "dev"
	AppName = "agentRun"
	Slug    = ""
)

func init() {
	if Slug == "" {
		Slug = strings.ToLower(AppName)
	}
}
