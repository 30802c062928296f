package stepconf

// Secret hides a sensitive value in logs and printed configuration.
type Secret string

const secretMask = "*****"

// String implements fmt.Stringer.String.
// When a Secret is printed, it's masking the underlying string with asterisks.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return secretMask
}

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string {
	return s.String()
}

// Value returns the unmasked value.
func (s Secret) Value() string {
	return string(s)
}
