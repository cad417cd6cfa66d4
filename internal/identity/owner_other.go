//go:build !unix

package identity

// File ownership is not resolved on this platform.
func fileOwner(string) (string, bool) {
	return "", false
}
