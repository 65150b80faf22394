package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/socledger/socledger/internal/access"
	"github.com/socledger/socledger/internal/config"
	"github.com/socledger/socledger/internal/envelope"
	"github.com/socledger/socledger/internal/server"
)

func generateKey() (string, error) {
	return envelope.GenerateKey()
}

func mintToken(cfg *config.Config, userID, email, role string, ttl time.Duration) (string, error) {
	secret, err := config.JWTSecret(cfg)
	if err != nil {
		return "", err
	}
	return server.NewToken(secret, server.Principal{UserID: userID, Email: email, Role: role}, cfg.Auth.Issuer, ttl)
}

// initConfigDir writes config.yaml and access_rules.yaml into dir,
// skipping files that exist unless force is set. It returns the paths
// written.
func initConfigDir(dir string, force bool) ([]string, error) {
	var written []string

	cfgPath := filepath.Join(dir, "config.yaml")
	if force || !exists(cfgPath) {
		if err := config.WriteDefault(cfgPath); err != nil {
			return written, err
		}
		written = append(written, cfgPath)
	}

	// Rule path comes from the (possibly pre-existing) config.
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return written, err
	}
	if force || !exists(cfg.Access.RulesPath) {
		if err := access.WriteDefaultRules(cfg.Access.RulesPath); err != nil {
			return written, err
		}
		written = append(written, cfg.Access.RulesPath)
	}
	return written, nil
}

// printConfig writes cfg as YAML, after path resolution and env expansion.
func printConfig(w io.Writer, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
