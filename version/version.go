package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/projecteru2/vmcpd/version.Version=0.3.0
//	  -X github.com/projecteru2/vmcpd/version.Revision=abc1234
//	  -X github.com/projecteru2/vmcpd/version.BuildTime=2026-01-01T00:00:00Z"
var (
	Version   = "dev"
	Revision  = "unknown"
	BuildTime = "unknown"
)

// Protocol is the API version reported to web pages in the handshake reply.
const Protocol = "2.0.0"

// String returns a human-readable multi-line version string.
func String() string {
	return fmt.Sprintf("vmcpd %s\nprotocol: %s\nrevision: %s\nbuilt: %s\ngo: %s %s/%s\n",
		Version, Protocol, Revision, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
