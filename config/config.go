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

	HTTPPort     string `envconfig:"HTTP_PORT" default:"4242"`
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Judge-Provider-Konfiguration (openai oder anthropic)
	JudgeProvider   string `envconfig:"JUDGE_PROVIDER" default:"openai"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	OpenAIModel     string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `envconfig:"ANTHROPIC_MODEL" default:"claude-3-5-haiku-20241022"`

	// Crossref für die optionale Live-Web-Verifikation
	CrossrefBaseURL string `envconfig:"CROSSREF_BASE_URL" default:"https://api.crossref.org"`
	CrossrefMailto  string `envconfig:"CROSSREF_MAILTO"`

	// Empirisch gewählte Schwellwerte der Pipeline. Bewusst konfigurierbar,
	// die Defaults sind nicht als optimal belegt.
	RetrievalThreshold     float64 `envconfig:"RETRIEVAL_THRESHOLD" default:"0.3"`
	VerifiedThreshold      float64 `envconfig:"VERIFIED_THRESHOLD" default:"0.6"`
	SimilarityThreshold    float64 `envconfig:"SIMILARITY_THRESHOLD" default:"0.85"`
	PlagiarismThreshold    float64 `envconfig:"PLAGIARISM_THRESHOLD" default:"0.92"`
	MetadataTitleThreshold float64 `envconfig:"METADATA_TITLE_THRESHOLD" default:"0.7"`
	MaxEvidencePerSentence int     `envconfig:"MAX_EVIDENCE_PER_SENTENCE" default:"5"`
	MinParagraphLength     int     `envconfig:"MIN_PARAGRAPH_LENGTH" default:"50"`
	MinSentenceLength      int     `envconfig:"MIN_SENTENCE_LENGTH" default:"10"`

	// Worker-Pool und Aufräum-Job
	MaxConcurrentChecks  int    `envconfig:"MAX_CONCURRENT_CHECKS" default:"4"`
	StaleCheckMinutes    int    `envconfig:"STALE_CHECK_MINUTES" default:"30"`
	SweeperCronSchedule  string `envconfig:"SWEEPER_CRON_SCHEDULE" default:"*/10 * * * *"`
	NotifierBufferEvents int    `envconfig:"NOTIFIER_BUFFER_EVENTS" default:"64"`

	// Optionales Manuskript-Archiv in S3 (deaktiviert, wenn Bucket leer)
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

// ArchiveEnabled meldet, ob das S3-Manuskript-Archiv konfiguriert ist.
func (c *Config) ArchiveEnabled() bool {
	return c.StratoS3Bucket != ""
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
