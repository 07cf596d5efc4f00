package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4243"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// NotebookLM-Session (Storage-State JSON aus dem Browser)
	BackendAuthJSON string `envconfig:"BACKEND_AUTH_JSON"`

	// Bridge-Prozess, der das eigentliche NotebookLM-Protokoll spricht
	BridgeBaseURL string `envconfig:"BACKEND_BRIDGE_URL" default:"http://127.0.0.1:8765"`

	// Droplet mit der persistenten Chrome-Session für den Auth-Refresh
	DropletHost    string `envconfig:"DROPLET_HOST"`
	DropletUser    string `envconfig:"DROPLET_USER" default:"root"`
	DropletSSHKey  string `envconfig:"DROPLET_SSH_KEY"`
	DropletCDPPort int    `envconfig:"DROPLET_CDP_PORT" default:"9444"`

	// Keepalive-Intervall als Cron-Ausdruck (Standard: alle 20 Minuten)
	KeepaliveSchedule string `envconfig:"KEEPALIVE_SCHEDULE" default:"@every 20m"`

	// Zotero Gruppen-Bibliothek
	ZoteroBaseURL string `envconfig:"ZOTERO_BASE_URL" default:"https://api.zotero.org"`
	ZoteroAPIKey  string `envconfig:"ZOTERO_API_KEY"`
	ZoteroGroupID string `envconfig:"ZOTERO_GROUP_ID"`

	// Kontextfenster für die Zitat-Anreicherung (Zeichen)
	CitationContextChars int `envconfig:"CITATION_CONTEXT_CHARS" default:"300"`

	// Soft-Limit: NotebookLM erlaubt nur eine begrenzte Quellenzahl pro Notebook.
	// Die harte Grenze setzt das Backend selbst durch, wir warnen nur vorher.
	MaxSourcesPerNotebook int `envconfig:"MAX_SOURCES_PER_NOTEBOOK" default:"50"`

	// Pause zwischen Batch-Fragen (Sekunden)
	BatchDelaySeconds float64 `envconfig:"BATCH_DELAY_SECONDS" default:"5"`

	StratoS3Key    string `envconfig:"STRATO_S3_KEY"`
	StratoS3Secret string `envconfig:"STRATO_S3_SECRET"`
	StratoS3URL    string `envconfig:"STRATO_S3_URL"`
	StratoS3Region string `envconfig:"STRATO_S3_REGION"`
	StratoS3Bucket string `envconfig:"STRATO_S3_BUCKET"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// S3Enabled meldet, ob die PDF-Ablage nach S3 konfiguriert ist.
func (c *Config) S3Enabled() bool {
	return c.StratoS3Key != "" && c.StratoS3Secret != "" && c.StratoS3URL != "" && c.StratoS3Bucket != ""
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
