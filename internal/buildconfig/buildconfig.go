package buildconfig

// Build-time variables injected via ldflags:
//
//	-X github.com/Harshitk-cp/conductor/internal/buildconfig.version=...
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = ""
)

// ServiceName identifies the process in logs and traces.
const ServiceName = "conductor"

type Info struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time,omitempty"`
}

func Version() string {
	return version
}

func Commit() string {
	return commit
}

func Get() Info {
	return Info{
		Service:   ServiceName,
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
