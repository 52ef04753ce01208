package environ

import (
	"fmt"

	"github.com/joho/godotenv"
)

// LoadFile reads KEY=VALUE overrides from a dotenv file. The result is fed to
// Builder.Build like any other override map.
func LoadFile(path string) (map[string]string, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return vars, nil
}

// Merge layers maps left to right; later maps win.
func Merge(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}
