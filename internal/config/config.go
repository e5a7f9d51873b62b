package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort    string `yaml:"http_port"`
	DatabaseURL string `yaml:"database_url"`
	LogLevel    string `yaml:"log_level"`
	AppEnv      string `yaml:"app_env"`
	JWTSecret   string `yaml:"jwt_secret"`

	LLMProvider        string `yaml:"llm_provider"` // openai | gemini
	OpenAIAPIKey       string `yaml:"openai_api_key"`
	OpenAIBaseURL      string `yaml:"openai_base_url"`
	OpenAIChatModel    string `yaml:"openai_chat_model"`
	OpenAIEnhanceModel string `yaml:"openai_enhance_model"`
	OpenAIEmbedModel   string `yaml:"openai_embed_model"`
	GeminiAPIKey       string `yaml:"gemini_api_key"`
	GeminiChatModel    string `yaml:"gemini_chat_model"`
	GeminiEmbedModel   string `yaml:"gemini_embed_model"`
	EmbeddingDimension int    `yaml:"embedding_dimension"`

	VectorStore       string  `yaml:"vector_store"` // memory | pinecone
	PineconeAPIKey    string  `yaml:"pinecone_api_key"`
	PineconeIndexName string  `yaml:"pinecone_index_name"`
	PineconeIndexHost string  `yaml:"pinecone_index_host"`
	PineconeCloud     string  `yaml:"pinecone_cloud"`
	PineconeRegion    string  `yaml:"pinecone_region"`
	RetrievalMinScore float64 `yaml:"retrieval_min_score"`

	ChatQuotaTotal  int           `yaml:"chat_quota_total"`
	ChatTimeout     time.Duration `yaml:"chat_timeout"`
	EnhanceTimeout  time.Duration `yaml:"enhance_timeout"`
	MaxContextChars int           `yaml:"max_context_chars"`

	UploadDir      string `yaml:"upload_dir"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	BrowserRender  bool   `yaml:"browser_render"`

	RedisAddr       string        `yaml:"redis_addr"`
	EnhanceCacheTTL time.Duration `yaml:"enhance_cache_ttl"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

var AppConfig Config

// Defaults returns the configuration used when neither the YAML file nor the
// environment sets a value.
func Defaults() Config {
	return Config{
		HTTPPort:           "8080",
		DatabaseURL:        "echo.db",
		LogLevel:           "INFO",
		AppEnv:             "development",
		LLMProvider:        "openai",
		OpenAIChatModel:    "gpt-4o-mini",
		OpenAIEnhanceModel: "gpt-4o-mini",
		OpenAIEmbedModel:   "text-embedding-3-small",
		GeminiChatModel:    "gemini-1.5-flash-latest",
		GeminiEmbedModel:   "text-embedding-004",
		VectorStore:        "memory",
		PineconeCloud:      "aws",
		PineconeRegion:     "us-east-1",
		ChatQuotaTotal:     10,
		ChatTimeout:        60 * time.Second,
		EnhanceTimeout:     5 * time.Second,
		MaxContextChars:    12000,
		UploadDir:          os.TempDir(),
		MaxUploadBytes:     10 << 20,
		EnhanceCacheTTL:    24 * time.Hour,
		RateLimitRPS:       2,
		RateLimitBurst:     10,
	}
}

// LoadConfig fills AppConfig from defaults, the optional CONFIG_FILE YAML
// overlay, and finally the environment (.env included).
func LoadConfig() error {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	cfg := Defaults()
	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = getEnv("HTTP_PORT", cfg.HTTPPort)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.AppEnv = getEnv("APP_ENV", cfg.AppEnv)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)

	cfg.LLMProvider = strings.ToLower(getEnv("LLM_PROVIDER", cfg.LLMProvider))
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAIChatModel = getEnv("OPENAI_CHAT_MODEL", cfg.OpenAIChatModel)
	cfg.OpenAIEnhanceModel = getEnv("OPENAI_ENHANCE_MODEL", cfg.OpenAIEnhanceModel)
	cfg.OpenAIEmbedModel = getEnv("OPENAI_EMBED_MODEL", cfg.OpenAIEmbedModel)
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiChatModel = getEnv("GEMINI_CHAT_MODEL", cfg.GeminiChatModel)
	cfg.GeminiEmbedModel = getEnv("GEMINI_EMBED_MODEL", cfg.GeminiEmbedModel)
	cfg.EmbeddingDimension = getEnvAsInt("EMBEDDING_DIMENSION", cfg.EmbeddingDimension)

	cfg.VectorStore = strings.ToLower(getEnv("VECTOR_STORE", cfg.VectorStore))
	cfg.PineconeAPIKey = getEnv("PINECONE_API_KEY", cfg.PineconeAPIKey)
	cfg.PineconeIndexName = getEnv("PINECONE_INDEX_NAME", cfg.PineconeIndexName)
	cfg.PineconeIndexHost = getEnv("PINECONE_INDEX_HOST", cfg.PineconeIndexHost)
	cfg.PineconeCloud = getEnv("PINECONE_CLOUD", cfg.PineconeCloud)
	cfg.PineconeRegion = getEnv("PINECONE_REGION", cfg.PineconeRegion)
	cfg.RetrievalMinScore = getEnvAsFloat("RETRIEVAL_MIN_SCORE", cfg.RetrievalMinScore)

	cfg.ChatQuotaTotal = getEnvAsInt("CHAT_QUOTA_TOTAL", cfg.ChatQuotaTotal)
	cfg.ChatTimeout = getEnvAsDuration("CHAT_TIMEOUT", cfg.ChatTimeout)
	cfg.EnhanceTimeout = getEnvAsDuration("ENHANCE_TIMEOUT", cfg.EnhanceTimeout)
	cfg.MaxContextChars = getEnvAsInt("MAX_CONTEXT_CHARS", cfg.MaxContextChars)

	cfg.UploadDir = getEnv("UPLOAD_DIR", cfg.UploadDir)
	cfg.MaxUploadBytes = int64(getEnvAsInt("MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes)))
	cfg.BrowserRender = getEnvAsBool("BROWSER_RENDER", cfg.BrowserRender)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.EnhanceCacheTTL = getEnvAsDuration("ENHANCE_CACHE_TTL", cfg.EnhanceCacheTTL)

	cfg.RateLimitRPS = getEnvAsFloat("RATE_LIMIT_RPS", cfg.RateLimitRPS)
	cfg.RateLimitBurst = getEnvAsInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
}

// Validate checks required settings and fills derived ones.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	switch c.LLMProvider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY environment variable is required")
		}
		if c.EmbeddingDimension == 0 {
			c.EmbeddingDimension = 1536
		}
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
		if c.EmbeddingDimension == 0 {
			c.EmbeddingDimension = 768
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	switch c.VectorStore {
	case "memory":
	case "pinecone":
		if c.PineconeAPIKey == "" || c.PineconeIndexName == "" {
			return fmt.Errorf("PINECONE_API_KEY and PINECONE_INDEX_NAME are required for the pinecone vector store")
		}
	default:
		return fmt.Errorf("unknown VECTOR_STORE %q", c.VectorStore)
	}
	if c.ChatQuotaTotal <= 0 {
		return fmt.Errorf("CHAT_QUOTA_TOTAL must be positive")
	}
	return nil
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
