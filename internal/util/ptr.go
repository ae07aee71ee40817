package util

// Ptr returns a pointer to v, for optional fields such as automation.Update
func Ptr[T any](v T) *T {
	return &v
}
