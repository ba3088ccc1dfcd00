package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig is the hot-reloadable billing policy: provider rates,
// margin, free-tier allowances and the purchasable credit packs.
type BillingConfig struct {
	// Rates are cents per 1K tokens, except VectorQuery which is cents
	// per query.
	Rates RateConfig `mapstructure:"rates"`

	// Margin is the fractional markup applied on top of raw provider cost.
	Margin float64 `mapstructure:"margin"`

	FreeTier FreeTierConfig `mapstructure:"freeTier"`

	CreditPacks []CreditPack `mapstructure:"creditPacks"`
}

type RateConfig struct {
	EmbeddingPer1K float64 `mapstructure:"embeddingPer1k"`
	LLMInputPer1K  float64 `mapstructure:"llmInputPer1k"`
	LLMOutputPer1K float64 `mapstructure:"llmOutputPer1k"`
	VectorQuery    float64 `mapstructure:"vectorQuery"`
}

type FreeTierConfig struct {
	AnonymousDaily    int           `mapstructure:"anonymousDaily"`
	UserAllowance     int           `mapstructure:"userAllowance"`
	OrgAllowance      int           `mapstructure:"orgAllowance"`
	ResetPeriod       time.Duration `mapstructure:"resetPeriod"`
	AnonymousSessTTL  time.Duration `mapstructure:"anonymousSessionTtl"`
}

// CreditPack is a purchasable bundle. Payment capture happens outside
// this service; packs are advertised so the payment collaborator can
// reference them.
type CreditPack struct {
	Credits    int    `mapstructure:"credits"`
	PriceCents int    `mapstructure:"priceCents"`
	ExternalID string `mapstructure:"externalId"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Rates: RateConfig{
			EmbeddingPer1K: 0.01,
			LLMInputPer1K:  1.0,
			LLMOutputPer1K: 3.0,
			VectorQuery:    0.01,
		},
		Margin: 0.4,
		FreeTier: FreeTierConfig{
			AnonymousDaily:   10,
			UserAllowance:    100,
			OrgAllowance:     100,
			ResetPeriod:      30 * 24 * time.Hour,
			AnonymousSessTTL: 48 * time.Hour,
		},
		CreditPacks: []CreditPack{
			{Credits: 500, PriceCents: 500},
			{Credits: 1000, PriceCents: 1000},
			{Credits: 2000, PriceCents: 2000},
		},
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/polly/config") // Volume-mounted config
	v.AddConfigPath("/etc/polly")            // System config
	v.AddConfigPath(".")                     // Current directory (dev mode)

	v.SetEnvPrefix("POLLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		defaults := DefaultBillingConfig()
		v.SetDefault("billing.rates", defaults.Rates)
		v.SetDefault("billing.margin", defaults.Margin)
		v.SetDefault("billing.freeTier", defaults.FreeTier)
		v.SetDefault("billing.creditPacks", defaults.CreditPacks)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	cfg = withBillingDefaults(cfg)
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		updated = withBillingDefaults(updated)
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func NewHolderFromConfig(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(withBillingDefaults(cfg))
	return holder
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func withBillingDefaults(cfg BillingConfig) BillingConfig {
	defaults := DefaultBillingConfig()
	zeroRates := RateConfig{}
	if cfg.Rates == zeroRates {
		cfg.Rates = defaults.Rates
	}
	if cfg.FreeTier.AnonymousDaily == 0 {
		cfg.FreeTier.AnonymousDaily = defaults.FreeTier.AnonymousDaily
	}
	if cfg.FreeTier.UserAllowance == 0 {
		cfg.FreeTier.UserAllowance = defaults.FreeTier.UserAllowance
	}
	if cfg.FreeTier.OrgAllowance == 0 {
		cfg.FreeTier.OrgAllowance = defaults.FreeTier.OrgAllowance
	}
	if cfg.FreeTier.ResetPeriod <= 0 {
		cfg.FreeTier.ResetPeriod = defaults.FreeTier.ResetPeriod
	}
	if cfg.FreeTier.AnonymousSessTTL <= 0 {
		cfg.FreeTier.AnonymousSessTTL = defaults.FreeTier.AnonymousSessTTL
	}
	if len(cfg.CreditPacks) == 0 {
		cfg.CreditPacks = defaults.CreditPacks
	}
	return cfg
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.Rates.EmbeddingPer1K < 0 || cfg.Rates.LLMInputPer1K < 0 ||
		cfg.Rates.LLMOutputPer1K < 0 || cfg.Rates.VectorQuery < 0 {
		return errors.New("billing.rates cannot be negative")
	}
	if cfg.Margin <= -1 {
		return errors.New("billing.margin must be greater than -1")
	}
	for _, pack := range cfg.CreditPacks {
		if pack.Credits <= 0 || pack.PriceCents <= 0 {
			return errors.New("billing.creditPacks entries must have positive credits and price")
		}
	}
	return nil
}
