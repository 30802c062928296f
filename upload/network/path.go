package network

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidatePath checks that p is an absolute drive path like /UploadFolder/WorksheetName.xlsx.
func ValidatePath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("path must be absolute: %s", p)
	}
	if strings.HasSuffix(p, "/") {
		return fmt.Errorf("path must name a file: %s", p)
	}
	if strings.Contains(p, ":") {
		return fmt.Errorf("path must not contain ':': %s", p)
	}

	for _, segment := range strings.Split(p[1:], "/") {
		switch strings.TrimSpace(segment) {
		case "":
			return fmt.Errorf("path contains an empty segment: %s", p)
		case ".", "..":
			return fmt.Errorf("path contains a relative segment: %s", p)
		}
	}

	return nil
}

func escapePath(p string) string {
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return "/" + strings.Join(segments, "/")
}
