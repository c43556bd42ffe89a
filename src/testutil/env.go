package testutil

import (
	"os"
	"path/filepath"

	"github.com/ethaccount/userop/src/utils"
	"github.com/joho/godotenv"
)

// GetEnv reads key after loading the project .env file, if there is one.
func GetEnv(key string) string {
	_ = godotenv.Load(filepath.Join(utils.FindProjectRoot(), ".env"))
	return os.Getenv(key)
}
