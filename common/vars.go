package common

// PackageName is used as the metrics namespace and default service tag.
const PackageName = "ephemeral-session-backend"

// Version is set at build time through -ldflags.
var Version = "dev"
