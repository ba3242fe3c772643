package config

import (
	"os"

	"github.com/go-yaml/yaml"
)

type Config struct {
	Server Server `yaml:"server"`
	Engine Engine `yaml:"engine"`
}

type Server struct {
	ListenAddr    string `yaml:"listenAddr"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisDB       int    `yaml:"redisDB"`
	EnableTrace   bool   `yaml:"enableTrace"`
	TraceEndpoint string `yaml:"traceEndpoint"`
}

type Engine struct {
	DatabasePath string `yaml:"databasePath"`
	DatabaseName string `yaml:"databaseName"`
	// Minimum milliseconds between discovery continuations.
	ContinueBuffer int `yaml:"continueBuffer"`
}

func Load(path string) (Config, error) {

	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	err = yaml.NewDecoder(file).Decode(&config)
	if err != nil {
		return Config{}, err
	}

	if config.Server.ListenAddr == "" {
		config.Server.ListenAddr = ":8000"
	}
	if config.Engine.DatabasePath == "" {
		config.Engine.DatabasePath = "./data"
	}
	if config.Engine.DatabaseName == "" {
		config.Engine.DatabaseName = "graffitiDb"
	}
	if config.Engine.ContinueBuffer == 0 {
		config.Engine.ContinueBuffer = 2000
	}

	return config, nil
}
