package core

import "fmt"

const (
	AppName           = "burrow"
	EnvPrefix         = "BURROW"
	MaintainerLink    = "https://github.com/dorcha-inc/burrow/blob/main/MAINTAINERS.md"
	BugReportTemplate = "\n\n[NOTE]This is most likely a bug in burrow, please reach out to the maintainers at %s"
)

func BugReportMessage() string {
	return fmt.Sprintf(BugReportTemplate, MaintainerLink)
}

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
)

// ExitCodeFor maps an error to the process exit code reported for it.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	if KindOf(err) == KindConfig {
		return ExitConfig
	}
	return ExitFailure
}
