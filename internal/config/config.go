// Пакет config — загрузка и валидация конфигурации rib-server
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// RateRule — лимит и окно одного действия (scope) rate limiter.
type RateRule struct {
	Limit  int
	Window time.Duration
}

// Config содержит все параметры конфигурации rib-server.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корневая директория хранилища объектов
	DataDir string
	// Путь к директории WAL (по умолчанию <DataDir>/wal)
	WALDir string
	// Максимальный размер загружаемого файла в байтах
	MaxUploadSize int64
	// Разрешённые MIME-типы; пустой список — таблица по умолчанию
	AllowedTypes []string

	// Глобальный выключатель rate limiter. false — все запросы пропускаются без учёта
	RateLimitEnabled bool
	ThreadRule       RateRule
	ReplyRule        RateRule
	UploadRule       RateRule
	// Интервал очистки устаревших ключей limiter и карантина
	SweepInterval time.Duration
	// Возраст, после которого временный файл карантина считается брошенным
	QuarantineTTL time.Duration
	// Интервал автоматической сверки хранилища
	ReconcileInterval time.Duration
	// Доверять X-Forwarded-For / Forwarded при определении IP клиента
	TrustProxyHeaders bool

	// DSN PostgreSQL для реестра объектов (опционально, иначе индекс в памяти)
	DatabaseURL string
	// URL JWKS endpoint сервиса аутентификации (опционально)
	JWKSUrl string
	// Допуск расхождения часов при проверке exp/nbf/iat
	JWTLeeway time.Duration

	// Размер и TTL кэша метаданных объектов
	CacheSize int
	CacheTTL  time.Duration

	// Путь к TLS сертификату и ключу (оба опциональны, задаются вместе)
	TLSCert string
	TLSKey  string

	// Добавлять Strict-Transport-Security к ответам
	EnableHSTS bool

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string

	// Таймауты HTTP-сервера. WriteTimeout покрывает загрузку самого крупного файла
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// TLSEnabled возвращает true, если заданы сертификат и ключ.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// Load загружает конфигурацию из переменных окружения, валидирует
// значения и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}

	// RIB_PORT — порт HTTP-сервера (по умолчанию 8080)
	port, err := getEnvInt("RIB_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("RIB_PORT: %w", err)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("RIB_PORT: значение %d вне допустимого диапазона 1-65535", port)
	}
	cfg.Port = port

	cfg.DataDir = getEnvDefault("RIB_DATA_DIR", "./data")
	cfg.WALDir = getEnvDefault("RIB_WAL_DIR", cfg.DataDir+"/wal")

	// RIB_MAX_UPLOAD_SIZE — потолок размера загрузки (по умолчанию 25 MiB)
	cfg.MaxUploadSize, err = getEnvInt64("RIB_MAX_UPLOAD_SIZE", 25*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("RIB_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("RIB_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}

	cfg.AllowedTypes = getEnvList("RIB_UPLOAD_ALLOWED_TYPES")

	// --- Rate limiter ---

	cfg.RateLimitEnabled, err = getEnvBool("RIB_RL_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("RIB_RL_ENABLED: %w", err)
	}
	if cfg.ThreadRule, err = getEnvRule("RIB_RL_THREAD", RateRule{Limit: 1, Window: 5 * time.Minute}); err != nil {
		return nil, err
	}
	if cfg.ReplyRule, err = getEnvRule("RIB_RL_REPLY", RateRule{Limit: 10, Window: time.Minute}); err != nil {
		return nil, err
	}
	if cfg.UploadRule, err = getEnvRule("RIB_RL_UPLOAD", RateRule{Limit: 5, Window: time.Hour}); err != nil {
		return nil, err
	}

	cfg.SweepInterval, err = getEnvDuration("RIB_RL_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RIB_RL_SWEEP_INTERVAL: %w", err)
	}
	cfg.QuarantineTTL, err = getEnvDuration("RIB_QUARANTINE_TTL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("RIB_QUARANTINE_TTL: %w", err)
	}
	cfg.ReconcileInterval, err = getEnvDuration("RIB_RECONCILE_INTERVAL", 6*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("RIB_RECONCILE_INTERVAL: %w", err)
	}

	// Приложение обычно стоит за ingress, поэтому по умолчанию заголовки прокси учитываются
	cfg.TrustProxyHeaders, err = getEnvBool("RIB_TRUST_PROXY_HEADERS", true)
	if err != nil {
		return nil, fmt.Errorf("RIB_TRUST_PROXY_HEADERS: %w", err)
	}

	cfg.DatabaseURL = getEnvDefault("RIB_DATABASE_URL", "")
	cfg.JWKSUrl = getEnvDefault("RIB_JWKS_URL", "")
	cfg.JWTLeeway, err = getEnvDuration("RIB_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RIB_JWT_LEEWAY: %w", err)
	}

	cfg.CacheSize, err = getEnvInt("RIB_CACHE_SIZE", 10000)
	if err != nil {
		return nil, fmt.Errorf("RIB_CACHE_SIZE: %w", err)
	}
	if cfg.CacheSize <= 0 {
		return nil, fmt.Errorf("RIB_CACHE_SIZE: значение должно быть положительным")
	}
	cfg.CacheTTL, err = getEnvDuration("RIB_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RIB_CACHE_TTL: %w", err)
	}

	cfg.TLSCert = getEnvDefault("RIB_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("RIB_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("RIB_TLS_CERT и RIB_TLS_KEY должны задаваться вместе")
	}
	cfg.EnableHSTS, err = getEnvBool("RIB_ENABLE_HSTS", false)
	if err != nil {
		return nil, fmt.Errorf("RIB_ENABLE_HSTS: %w", err)
	}

	// RIB_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("RIB_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("RIB_LOG_LEVEL: %w", err)
	}

	// RIB_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("RIB_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("RIB_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.DephealthCheckInterval, err = getEnvDuration("RIB_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RIB_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}
	cfg.DephealthGroup = getEnvDefault("RIB_DEPHEALTH_GROUP", "rib")

	cfg.HTTPReadTimeout, err = getEnvDuration("RIB_HTTP_READ_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RIB_HTTP_READ_TIMEOUT: %w", err)
	}
	cfg.HTTPWriteTimeout, err = getEnvDuration("RIB_HTTP_WRITE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RIB_HTTP_WRITE_TIMEOUT: %w", err)
	}
	cfg.HTTPIdleTimeout, err = getEnvDuration("RIB_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RIB_HTTP_IDLE_TIMEOUT: %w", err)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("RIB_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RIB_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

// getEnvList разбирает список через запятую, пустые элементы отбрасываются.
func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, strings.ToLower(item))
		}
	}
	return out
}

// getEnvRule читает пару <prefix>_LIMIT / <prefix>_WINDOW.
func getEnvRule(prefix string, defaultVal RateRule) (RateRule, error) {
	limit, err := getEnvInt(prefix+"_LIMIT", defaultVal.Limit)
	if err != nil {
		return RateRule{}, fmt.Errorf("%s_LIMIT: %w", prefix, err)
	}
	if limit < 1 {
		return RateRule{}, fmt.Errorf("%s_LIMIT: значение должно быть >= 1, получено %d", prefix, limit)
	}
	window, err := getEnvDuration(prefix+"_WINDOW", defaultVal.Window)
	if err != nil {
		return RateRule{}, fmt.Errorf("%s_WINDOW: %w", prefix, err)
	}
	if window <= 0 {
		return RateRule{}, fmt.Errorf("%s_WINDOW: значение должно быть положительным", prefix)
	}
	return RateRule{Limit: limit, Window: window}, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
