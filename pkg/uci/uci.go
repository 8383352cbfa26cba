package uci

import (
	"context"
	"fmt"
	"strings"

	"github.com/geotrack/geotrack/pkg/logx"
	"github.com/geotrack/geotrack/pkg/retry"
)

// UCI reads the geotrack package through the uci command line tool on
// OpenWrt-style hosts
type UCI struct {
	logger *logx.Logger
	runner *retry.Runner
	pkg    string
}

// NewUCI creates a new UCI reader for the given package name
func NewUCI(logger *logx.Logger, pkgName string) *UCI {
	return &UCI{
		logger: logger,
		runner: retry.NewRunner(retry.DefaultConfig()),
		pkg:    pkgName,
	}
}

// LoadConfig loads the configuration from `uci show <pkg>`. When the uci
// binary is missing or fails the defaults are returned.
func (u *UCI) LoadConfig(ctx context.Context) (*Config, error) {
	output, err := u.runner.Output(ctx, "uci", "show", u.pkg)
	if err != nil {
		u.logger.Warn("uci show failed, using defaults", "package", u.pkg, "error", err)
		return Default(), nil
	}

	cfg := &Config{}
	cfg.setDefaults()
	if err := cfg.parseUCI(showToFile(u.pkg, string(output))); err != nil {
		return nil, fmt.Errorf("failed to parse uci show output: %w", err)
	}
	cfg.finish()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// showToFile rewrites `uci show` lines into the config file syntax:
//
//	geotrack.main=geotrack           -> config geotrack 'main'
//	geotrack.main.log_level='debug'  -> option log_level 'debug'
func showToFile(pkgName, output string) string {
	var b strings.Builder
	prefix := pkgName + "."

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, prefix), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, "'\"")

		section, option, hasOption := strings.Cut(key, ".")
		if !hasOption {
			fmt.Fprintf(&b, "config %s '%s'\n", value, anonymousName(section))
			continue
		}
		fmt.Fprintf(&b, "\toption %s '%s'\n", option, value)
	}
	return b.String()
}

// anonymousName turns "@ipgeo[1]" into "ipgeo1" so it can serve as a name
func anonymousName(section string) string {
	if !strings.HasPrefix(section, "@") {
		return section
	}
	r := strings.NewReplacer("@", "", "[", "", "]", "")
	return r.Replace(section)
}
