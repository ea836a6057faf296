package config

import (
	"github.com/ilyakaznacheev/cleanenv"
	"log"
	"sync"
)

type Config struct {
	IsDebug          bool     `yaml:"is_debug" env-default:"false"`
	TimeZone         string   `yaml:"time_zone" env-default:"UTC"`
	AcceptUnknownTag bool     `yaml:"accept_unknown_tag" env-default:"false"`
	AcceptUnknownChp bool     `yaml:"accept_unknown_charge_point" env-default:"false"`
	Tenants          []string `yaml:"tenants"`
	Listen           struct {
		BindIP   string `yaml:"bind_ip" env-default:"0.0.0.0"`
		Port     string `yaml:"port" env-default:"5000"`
		TLS      bool   `yaml:"tls_enabled" env-default:"false"`
		CertFile string `yaml:"cert_file" env-default:""`
		KeyFile  string `yaml:"key_file" env-default:""`
	} `yaml:"listen"`
	Mongo struct {
		Enabled  bool   `yaml:"enabled" env-default:"false"`
		Host     string `yaml:"host" env-default:"localhost"`
		Port     string `yaml:"port" env-default:"27017"`
		User     string `yaml:"user" env-default:""`
		Password string `yaml:"password" env-default:""`
		Database string `yaml:"database" env-default:"evcore"`
	} `yaml:"mongo"`
	Locks struct {
		TTLSeconds int `yaml:"ttl_seconds" env-default:"120"`
	} `yaml:"locks"`
	Migrations struct {
		// only one designated process of the cluster runs migrations
		Enabled           bool `yaml:"enabled" env-default:"false"`
		AsyncDelaySeconds int  `yaml:"async_delay_seconds" env-default:"5"`
	} `yaml:"migrations"`
	Consumption struct {
		DefaultPricePerKwh float64 `yaml:"default_price_per_kwh" env-default:"0"`
		InactivityWarning  int     `yaml:"inactivity_warning_seconds" env-default:"900"`
		InactivityDanger   int     `yaml:"inactivity_danger_seconds" env-default:"3600"`
	} `yaml:"consumption"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" env-default:"false"`
		BindIP  string `yaml:"bind_ip" env-default:"0.0.0.0"`
		Port    string `yaml:"port" env-default:"9100"`
	} `yaml:"metrics"`
	Telegram struct {
		Enabled bool   `yaml:"enabled" env-default:"false"`
		ApiKey  string `yaml:"api_key" env-default:""`
	} `yaml:"telegram"`
}

var instance *Config
var once sync.Once

func GetConfig() (*Config, error) {
	var err error
	once.Do(func() {
		log.Println("reading config")
		instance = &Config{}
		if err = cleanenv.ReadConfig("config.yml", instance); err != nil {
			desc, _ := cleanenv.GetDescription(instance, nil)
			log.Println(desc)
			log.Println(err)
			instance = nil
		}
	})
	return instance, err
}
