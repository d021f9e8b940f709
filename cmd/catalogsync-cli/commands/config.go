package commands

import (
	"time"

	"catalogsync/lib/configutil"
	"catalogsync/lib/portal"
	"catalogsync/services/baseline"
	"catalogsync/services/crawler"

	"dario.cat/mergo"
	"github.com/adrg/xdg"
)

type CrawlConfig struct {
	QueryPath   string `json:"query_path"`
	EpochField  string `json:"epoch_field"`
	EntityField string `json:"entity_field"`
	// css selectors of the probe page's term / department selects
	EpochSelect  string `json:"epoch_select"`
	EntitySelect string `json:"entity_select"`
	// entity codes to crawl, discovered off the probe page when empty
	Entities []string `json:"entities"`

	BatchSize         int `json:"batch_size"`
	Concurrency       int `json:"concurrency"`
	BatchDelaySeconds int `json:"batch_delay_seconds"`
	MaxAttempts       int `json:"max_attempts"`
	BackoffSeconds    int `json:"backoff_seconds"`
}

type Config struct {
	BaseURL        string                `json:"base_url"`
	TimeoutSeconds int                   `json:"timeout_seconds"`
	SessionPath    string                `json:"session_path"`
	BaselineDB     string                `json:"baseline_db"`
	Credentials    portal.Credentials    `json:"credentials"`
	Login          portal.ManagerOptions `json:"login"`
	Crawl          CrawlConfig           `json:"crawl"`
	Baseline       baseline.Config       `json:"baseline"`
}

func readConfig() (Config, error) {
	cfg, err := configutil.ReadRecursively[Config]("catalogsync.json5")
	if err != nil {
		return cfg, err
	}

	login := portal.DefaultManagerOptions()
	err = mergo.Merge(&login, cfg.Login, mergo.WithOverride)
	if err != nil {
		return cfg, err
	}
	cfg.Login = login

	if cfg.SessionPath == "" {
		cfg.SessionPath, err = xdg.StateFile("catalogsync/session.json")
		if err != nil {
			return cfg, err
		}
	}
	if cfg.BaselineDB == "" {
		cfg.BaselineDB, err = xdg.DataFile("catalogsync/baseline.db")
		if err != nil {
			return cfg, err
		}
	}
	if cfg.Crawl.QueryPath == "" {
		cfg.Crawl.QueryPath = "/servlet/catalog/ScheduleQuery"
	}
	if cfg.Crawl.EpochField == "" {
		cfg.Crawl.EpochField = "termCode"
	}
	if cfg.Crawl.EntityField == "" {
		cfg.Crawl.EntityField = "deptCode"
	}
	if cfg.Crawl.EpochSelect == "" {
		cfg.Crawl.EpochSelect = `select[name="termCode"]`
	}
	if cfg.Crawl.EntitySelect == "" {
		cfg.Crawl.EntitySelect = `select[name="deptCode"]`
	}

	return cfg, nil
}

func (c Config) orchestratorOptions() crawler.Options {
	return crawler.Options{
		QueryPath:   c.Crawl.QueryPath,
		EpochField:  c.Crawl.EpochField,
		EntityField: c.Crawl.EntityField,
		BatchSize:   c.Crawl.BatchSize,
		Concurrency: c.Crawl.Concurrency,
		BatchDelay:  time.Duration(c.Crawl.BatchDelaySeconds) * time.Second,
		MaxAttempts: c.Crawl.MaxAttempts,
		Backoff:     time.Duration(c.Crawl.BackoffSeconds) * time.Second,
		Markers:     c.Login.Markers,
	}
}
