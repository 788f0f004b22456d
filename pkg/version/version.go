package version

import "fmt"

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// Protocol is the envelope version stamped into outgoing message metadata.
const Protocol = "1.0"

// String returns "build/protocol" for logs and the server banner.
func String() string {
	return fmt.Sprintf("%s/%s", Build, Protocol)
}
