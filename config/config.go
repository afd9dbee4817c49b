package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// RedisConfig is the connection configuration for the rate-limit store.
type RedisConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AppConfig is the application configuration for the realtime token service
// and the voice subsystem defaults.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Secret   string `mapstructure:"secret" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`

	// Voice conversation knobs.
	APIBase      string `mapstructure:"api_base"`
	RealtimeBase string `mapstructure:"realtime_base" validate:"required"`
	Model        string `mapstructure:"model" validate:"required"`
	Voice        string `mapstructure:"voice" validate:"required"`

	// ProviderSecret is the long-lived provider key used to mint ephemeral
	// credentials. Held only on the server; never returned to clients.
	ProviderSecret string `mapstructure:"provider_secret"`
	ProviderBase   string `mapstructure:"provider_base" validate:"required"`

	RedisConfig RedisConfig `mapstructure:"redis"`
}

// InitConfig reads configuration from the environment (and an optional .env
// file pointed to by ENV_PATH).
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "realtime-token-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9090)
	v.SetDefault("LOG_LEVEL", "debug")

	v.SetDefault("API_BASE", "")
	v.SetDefault("REALTIME_BASE", "https://api.openai.com/v1/realtime")
	v.SetDefault("PROVIDER_BASE", "https://api.openai.com")
	v.SetDefault("MODEL", "gpt-4o-realtime-preview")
	v.SetDefault("VOICE", "shimmer")

	v.SetDefault("REDIS__HOST", "localhost")
	v.SetDefault("REDIS__PORT", 6379)
	v.SetDefault("REDIS__PASSWORD", "")
	v.SetDefault("REDIS__DB", 0)
}

// GetApplicationConfig unmarshals and validates the application config.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
