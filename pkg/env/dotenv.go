package env

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadFromDir loads dir/.env if present.
func LoadFromDir(dir string) error {
	return Load(filepath.Join(dir, ".env"))
}

// Load sets variables from a dotenv file without overriding ones already in
// the environment. A missing file is not an error.
func Load(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}
