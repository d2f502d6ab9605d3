//go:build darwin && !cgo

// Without cgo the Security.framework bindings are unavailable; the seed
// falls back to the configured file path.

package vault

func loadSeed(path string) ([]byte, error) {
	return seedFromFile(path)
}
