//go:build tools

package tools

// The linters used by the build. Run "go install" on these to get the
// versions in go.mod.
import (
	_ "github.com/mgechev/revive"
	_ "golang.org/x/lint/golint"
	_ "honnef.co/go/tools/cmd/staticcheck"
)
