package environ

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// LoadDefaults reads an operator-written dotenv file and sets every variable
// that is not already present in the process environment. It returns how many
// variables were set. An empty path or a missing file sets nothing.
func LoadDefaults(path string) (int, error) {
	if path == "" {
		return 0, nil
	}

	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("read dotenv file: %w", err)
	}

	var (
		applied int
		errs    []error
	)

	for name, value := range values {
		if _, ok := os.LookupEnv(name); ok {
			continue
		}

		if err = os.Setenv(name, value); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", name, err))
			continue
		}

		applied++
	}

	return applied, errors.Join(errs...)
}
