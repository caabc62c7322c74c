package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port        string `mapstructure:"port"`
		MetricsPort string `mapstructure:"metrics_port"`
		TempDir     string `mapstructure:"temp_dir"`
		LogLevel    string `mapstructure:"log_level"`
	} `mapstructure:"server"`
	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`
	Database struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
	} `mapstructure:"database"`
	Storage struct {
		Provider        string `mapstructure:"provider"` // "s3" or "local"
		KeyID           string `mapstructure:"key_id"`
		AppKey          string `mapstructure:"app_key"`
		Endpoint        string `mapstructure:"endpoint"`
		Region          string `mapstructure:"region"`
		BucketRecording string `mapstructure:"bucket_recording"`
		BucketPlayback  string `mapstructure:"bucket_playback"`
		PublicBaseURL   string `mapstructure:"public_base_url"`
		LocalRoot       string `mapstructure:"local_root"`
	} `mapstructure:"storage"`
	Icecast struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		Mount    string `mapstructure:"mount"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
	} `mapstructure:"icecast"`
	Encoder struct {
		Binary      string `mapstructure:"binary"`
		LogLevel    string `mapstructure:"log_level"`
		Codec       string `mapstructure:"codec"`
		LatencyMode string `mapstructure:"latency_mode"` // "ultra-low" or "stable"
	} `mapstructure:"encoder"`
	Conversion struct {
		Binary           string `mapstructure:"binary"`
		ConcurrencyLimit int    `mapstructure:"concurrency_limit"`
		MaxAttempts      int    `mapstructure:"max_attempts"`
		TickSeconds      int    `mapstructure:"tick_seconds"`
		TargetBitrate    string `mapstructure:"target_bitrate"`
	} `mapstructure:"conversion"`
	Session struct {
		CleanupMinutes int `mapstructure:"cleanup_minutes"`
	} `mapstructure:"session"`
}

func Load() *Config {
	viper.SetEnvPrefix("MINBAR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Register keys
	viper.BindEnv("server.port")
	viper.BindEnv("server.metrics_port")
	viper.BindEnv("server.temp_dir")
	viper.BindEnv("server.log_level")
	viper.BindEnv("auth.jwt_secret")
	viper.BindEnv("database.host")
	viper.BindEnv("database.port")
	viper.BindEnv("database.user")
	viper.BindEnv("database.password")
	viper.BindEnv("database.name")
	viper.BindEnv("storage.provider")
	viper.BindEnv("storage.key_id")
	viper.BindEnv("storage.app_key")
	viper.BindEnv("storage.endpoint")
	viper.BindEnv("storage.region")
	viper.BindEnv("storage.bucket_recording")
	viper.BindEnv("storage.bucket_playback")
	viper.BindEnv("storage.public_base_url")
	viper.BindEnv("storage.local_root")
	viper.BindEnv("icecast.host")
	viper.BindEnv("icecast.port")
	viper.BindEnv("icecast.mount")
	viper.BindEnv("icecast.user")
	viper.BindEnv("icecast.password")
	viper.BindEnv("encoder.binary")
	viper.BindEnv("encoder.log_level")
	viper.BindEnv("encoder.codec")
	viper.BindEnv("encoder.latency_mode")
	viper.BindEnv("conversion.binary")
	viper.BindEnv("conversion.concurrency_limit")
	viper.BindEnv("conversion.max_attempts")
	viper.BindEnv("conversion.tick_seconds")
	viper.BindEnv("conversion.target_bitrate")
	viper.BindEnv("session.cleanup_minutes")

	// Defaults
	viper.SetDefault("server.port", ":8090")
	viper.SetDefault("server.metrics_port", ":9092")
	viper.SetDefault("server.temp_dir", "/tmp/")
	viper.SetDefault("server.log_level", "info")

	viper.SetDefault("storage.provider", "s3")
	viper.SetDefault("storage.local_root", "./data")

	viper.SetDefault("icecast.host", "localhost")
	viper.SetDefault("icecast.port", "8000")
	viper.SetDefault("icecast.mount", "/live")
	viper.SetDefault("icecast.user", "source")

	// Encoder Defaults (Optimized for Live Relay)
	viper.SetDefault("encoder.binary", "ffmpeg")
	viper.SetDefault("encoder.log_level", "error")
	viper.SetDefault("encoder.codec", "libmp3lame")
	viper.SetDefault("encoder.latency_mode", "ultra-low")

	viper.SetDefault("conversion.binary", "ffmpeg")
	viper.SetDefault("conversion.concurrency_limit", 2)
	viper.SetDefault("conversion.max_attempts", 3)
	viper.SetDefault("conversion.tick_seconds", 1)
	viper.SetDefault("conversion.target_bitrate", "128k")

	viper.SetDefault("session.cleanup_minutes", 30)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("Warning: Config error: %s", err)
		} else {
			log.Println("Info: config.yaml not found, using Environment Variables only.")
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode config: %v", err)
	}

	if cfg.Auth.JWTSecret == "" {
		log.Fatal("Critical: JWT secret is missing (MINBAR_AUTH_JWT_SECRET)")
	}
	if cfg.Icecast.Password == "" {
		log.Fatal("Critical: Icecast source password is missing (MINBAR_ICECAST_PASSWORD)")
	}

	return &cfg
}
