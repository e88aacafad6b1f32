package services

import (
	"fmt"
	"regexp"
	"strconv"
)

var branchSuffix = regexp.MustCompile(`^(.*) \(Branch(?:_(\d+))?\)$`)

// BranchTitle names a fork: "Foo" becomes "Foo (Branch)", which becomes
// "Foo (Branch_2)", then "Foo (Branch_3)".
func BranchTitle(title string) string {
	m := branchSuffix.FindStringSubmatch(title)
	if m == nil {
		return title + " (Branch)"
	}
	n := 1
	if m[2] != "" {
		n, _ = strconv.Atoi(m[2])
	}
	return fmt.Sprintf("%s (Branch_%d)", m[1], n+1)
}
