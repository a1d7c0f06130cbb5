package identity

import (
	"fmt"
	"regexp"
)

var idRegexp = regexp.MustCompile(`^[a-zA-Z0-9_.@-]{1,64}$`)

// Validate checks that id is usable as both an auth parameter and a directory name.
func Validate(id string) error {
	if !idRegexp.MatchString(id) {
		return fmt.Errorf("invalid identity %q: must match ^[a-zA-Z0-9_.@-]{1,64}$", id)
	}
	return nil
}
