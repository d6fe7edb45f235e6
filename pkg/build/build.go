package build

import "fmt"

// Set at link time:
//   go build -ldflags "-X pluginbridge/pkg/build.version=v1.0.0 -X pluginbridge/pkg/build.buildDate=$(date -u +%Y-%m-%d)"

// Details of the running binary, reported by the version command and the admin API
type Details struct {
	Version string `json:"version,omitempty"`
	Date    string `json:"date,omitempty"`
}

var (
	version   = "dev"
	buildDate string
)

func String() string {
	return fmt.Sprintf("Build Details:\n\tVersion:\t%s\n\tDate:\t\t%s", version, buildDate)
}

func Data() Details {
	return Details{
		Version: version,
		Date:    buildDate,
	}
}
