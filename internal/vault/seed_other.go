//go:build !darwin

package vault

func loadSeed(path string) ([]byte, error) {
	return seedFromFile(path)
}
