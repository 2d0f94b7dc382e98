package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the process environment. Variables that are
// already set win over the file, and a missing file is not an error.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

// Credentials are the venue API keys. They never live in the YAML config.
type Credentials struct {
	UpbitAccessKey   string
	UpbitSecretKey   string
	BinanceAPIKey    string
	BinanceSecretKey string
}

func CredentialsFromEnv() Credentials {
	return Credentials{
		UpbitAccessKey:   os.Getenv("UPBIT_ACCESS_KEY"),
		UpbitSecretKey:   os.Getenv("UPBIT_SECRET_KEY"),
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceSecretKey: os.Getenv("BINANCE_SECRET_KEY"),
	}
}

func (c Credentials) Complete() bool {
	return c.UpbitAccessKey != "" && c.UpbitSecretKey != "" && c.BinanceAPIKey != "" && c.BinanceSecretKey != ""
}
