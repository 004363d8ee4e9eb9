package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

const (
	EnvRPCURL     = "KEEPER_RPC_URL"
	EnvWebhookURL = "KEEPER_WEBHOOK_URL"
	EnvHTTPAddr   = "KEEPER_HTTP_ADDR"
	EnvDryRun     = "KEEPER_DRY_RUN"
	EnvLogLevel   = "KEEPER_LOG_LEVEL"
)

// applyEnv overrides file values with the KEEPER_* environment variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvRPCURL); v != "" {
		c.Ledger.RPCURL = v
	}
	if v := os.Getenv(EnvWebhookURL); v != "" {
		c.Alerts.WebhookURL = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvDryRun); v != "" {
		dryRun, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "parse %s", EnvDryRun)
		}
		c.Execution.DryRun = dryRun
	}
	return nil
}
