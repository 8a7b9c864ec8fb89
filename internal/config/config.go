// Package config loads the gateway's runtime configuration. Where the
// teacher read five flat GATEWAY_* environment variables with os.Getenv,
// this loader uses viper so the same prefix also accepts an optional
// YAML file, matching the pattern haltonika's own main.go uses for its
// Teltonika listener.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aarongabrielcy/codec-gateway/internal/admission"
)

// AppName names the config file base ("<AppName>.yaml") and the
// environment variable prefix ("<AppName>_TCP_ADDR", uppercased).
const AppName = "gateway"

// Config is the fully resolved, typed configuration for cmd/gateway.
type Config struct {
	TCPAddr     string
	MetricsAddr string

	RedisAddr string
	RedisDB   int

	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	WebhookURL string

	CommandSendTimeout time.Duration

	Admission admission.Config
}

func setDefaults() {
	viper.SetDefault("tcp_addr", ":8001")
	viper.SetDefault("metrics_addr", ":9000")

	viper.SetDefault("redis_addr", "localhost:6379")
	viper.SetDefault("redis_db", 0)

	viper.SetDefault("mqtt_broker", "")
	viper.SetDefault("mqtt_client_id", "codec-gateway")
	viper.SetDefault("mqtt_username", "")
	viper.SetDefault("mqtt_password", "")

	viper.SetDefault("webhook_url", "")

	viper.SetDefault("command_send_timeout", "5s")

	def := admission.DefaultConfig()
	viper.SetDefault("admission.rate_window", def.RateWindow.String())
	viper.SetDefault("admission.max_attempts_per_window", def.MaxAttemptsPerWindow)
	viper.SetDefault("admission.max_devices_per_source", def.MaxDevicesPerSource)
	viper.SetDefault("admission.soft_ban_duration", def.SoftBanDuration.String())
	viper.SetDefault("admission.imei_allow_enabled", def.IMEIAllowEnabled)
	viper.SetDefault("admission.imei_allow_list", []string{})
	viper.SetDefault("admission.source_allow_enabled", def.SourceAllowEnabled)
	viper.SetDefault("admission.source_allow_list", []string{})
}

// Load reads gateway.yaml from the first of /etc/gateway, $HOME/.gateway,
// and the working directory (searched in that order) that contains one;
// only that one file is read. Values are overlaid by GATEWAY_-prefixed
// environment variables, and the typed result is returned.
func Load() (Config, error) {
	setDefaults()

	viper.SetConfigName(AppName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(fmt.Sprintf("/etc/%s/", AppName))
	viper.AddConfigPath(fmt.Sprintf("$HOME/.%s/", AppName))
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	rateWindow, err := time.ParseDuration(viper.GetString("admission.rate_window"))
	if err != nil {
		return Config{}, fmt.Errorf("config: admission.rate_window: %w", err)
	}
	softBan, err := time.ParseDuration(viper.GetString("admission.soft_ban_duration"))
	if err != nil {
		return Config{}, fmt.Errorf("config: admission.soft_ban_duration: %w", err)
	}
	sendTimeout, err := time.ParseDuration(viper.GetString("command_send_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("config: command_send_timeout: %w", err)
	}

	cfg := Config{
		TCPAddr:     viper.GetString("tcp_addr"),
		MetricsAddr: viper.GetString("metrics_addr"),

		RedisAddr: viper.GetString("redis_addr"),
		RedisDB:   viper.GetInt("redis_db"),

		MQTTBroker:   viper.GetString("mqtt_broker"),
		MQTTClientID: viper.GetString("mqtt_client_id"),
		MQTTUsername: viper.GetString("mqtt_username"),
		MQTTPassword: viper.GetString("mqtt_password"),

		WebhookURL: viper.GetString("webhook_url"),

		CommandSendTimeout: sendTimeout,

		Admission: admission.Config{
			RateWindow:           rateWindow,
			MaxAttemptsPerWindow: viper.GetInt("admission.max_attempts_per_window"),
			MaxDevicesPerSource:  viper.GetInt("admission.max_devices_per_source"),
			SoftBanDuration:      softBan,
			IMEIAllowEnabled:     viper.GetBool("admission.imei_allow_enabled"),
			SourceAllowEnabled:   viper.GetBool("admission.source_allow_enabled"),
		},
	}

	cfg.Admission.IMEIAllowList = toSet(viper.GetStringSlice("admission.imei_allow_list"))
	cfg.Admission.SourceAllowList = toSet(viper.GetStringSlice("admission.source_allow_list"))

	return cfg, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		if item == "" {
			continue
		}
		set[item] = struct{}{}
	}
	return set
}
