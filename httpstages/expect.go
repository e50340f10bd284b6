package httpstages

import (
	"fmt"
	"mime"
	"strings"
)

// expectContentType checks that the media type of got matches want, ignoring
// parameters such as charset. A want ending in "/*" matches any subtype.
func expectContentType(got, want string) error {
	if want == "" {
		return nil
	}
	mt, _, err := mime.ParseMediaType(got)
	if err != nil {
		return fmt.Errorf("content type %q: %w", got, err)
	}
	if prefix, ok := strings.CutSuffix(want, "/*"); ok {
		if strings.HasPrefix(mt, prefix+"/") {
			return nil
		}
	} else if strings.EqualFold(mt, want) {
		return nil
	}
	return fmt.Errorf("content type %q, want %q", mt, want)
}
