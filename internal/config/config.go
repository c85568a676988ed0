package config

type Config interface {
	EnvConfig
	CorsConfig
	VaultConfig
	RefreshConfig
	MonitorConfig
	SecurityConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetEnv() string
	GetBaseURL() string
	GetDatabasePath() string
	GetProvidersFile() string
}

type CorsConfig interface {
	GetAllowedOrigins() AllowedOrigins
	GetAllowedMethods() string
	GetAllowedHeaders() string
}

type mainConfig struct {
	EnvVars
	Cors
	Vault
	Refresh
	Monitor
	Security
}

func New() Config {
	return mainConfig{}
}
