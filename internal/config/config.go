// Package config loads runtime configuration from the environment, with a
// .env file honored for local runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	APIKey string
	Model  string

	TargetScore        float64
	MaxRefinements     int
	PanelRoles         []string
	DisagreementSpread float64
	LLMRetries         int
	LLMRPS             float64
	LLMBurst           int
	DocumentStoreDSN   string
	Artifact           ArtifactConfig
}

type ArtifactConfig struct {
	Enabled   bool
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		APIKey:             strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		Model:              firstNonEmpty(strings.TrimSpace(os.Getenv("CLARION_MODEL")), "gemini-2.5-flash"),
		TargetScore:        envFloat("CLARION_TARGET_SCORE", 8.0),
		MaxRefinements:     envInt("CLARION_MAX_REFINEMENTS", 2),
		DisagreementSpread: envFloat("CLARION_DISAGREEMENT_THRESHOLD", 2.0),
		LLMRetries:         envInt("LLM_RETRIES", 3),
		LLMRPS:             envFloat("LLM_RPS", 0),
		LLMBurst:           envInt("LLM_BURST", 1),
		DocumentStoreDSN:   strings.TrimSpace(os.Getenv("DOC_STORE_PG_DSN")),
		Artifact:           loadArtifactConfig(),
	}

	if roles := strings.TrimSpace(os.Getenv("CLARION_PANEL_ROLES")); roles != "" {
		for _, r := range strings.Split(roles, ",") {
			if r = strings.TrimSpace(r); r != "" {
				cfg.PanelRoles = append(cfg.PanelRoles, r)
			}
		}
		if len(cfg.PanelRoles)%2 == 0 {
			return nil, fmt.Errorf("CLARION_PANEL_ROLES must name an odd number of roles, got %d", len(cfg.PanelRoles))
		}
	}
	return cfg, nil
}

func loadArtifactConfig() ArtifactConfig {
	endpoint := strings.TrimSpace(os.Getenv("ARTIFACT_S3_ENDPOINT"))
	return ArtifactConfig{
		Enabled:   endpoint != "",
		Endpoint:  endpoint,
		Region:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_REGION")), "us-east-1"),
		AccessKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_ACCESS_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_USER"))),
		SecretKey: firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_SECRET_KEY")), strings.TrimSpace(os.Getenv("MINIO_ROOT_PASSWORD"))),
		Bucket:    firstNonEmpty(strings.TrimSpace(os.Getenv("ARTIFACT_S3_BUCKET")), "clarion-artifacts"),
		UseSSL:    envBool("ARTIFACT_S3_USE_SSL", true),
	}
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
