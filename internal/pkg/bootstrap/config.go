// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config 是服务的全部配置。
type Config struct {
	App     AppConfig     `yaml:"app"`
	Infra   InfraConfig   `yaml:"infra"`
	Gateway GatewayConfig `yaml:"gateway"`
}

type AppConfig struct {
	ServiceName   string           `yaml:"serviceName"`
	Port          int              `yaml:"port"`
	LogLevel      string           `yaml:"logLevel"`
	PrettyLog     bool             `yaml:"prettyLog"`
	PublicBaseURL string           `yaml:"publicBaseUrl"`
	Fees          FeeConfig        `yaml:"fees"`
	Rails         RailsConfig      `yaml:"rails"`
	Settlement    SettlementConfig `yaml:"settlement"`
	IntentTTL     time.Duration    `yaml:"intentTtl"`
}

type FeeConfig struct {
	// 百分比，例如 "2.9"
	Percent string `yaml:"percent"`
	Fixed   string `yaml:"fixed"`
}

// RailsConfig 平台具备的支付能力，启动时决定可用通道。
type RailsConfig struct {
	Card         bool `yaml:"card"`
	ApplePay     bool `yaml:"applePay"`
	GooglePay    bool `yaml:"googlePay"`
	PaymentSheet bool `yaml:"paymentSheet"`
	Redirect     bool `yaml:"redirect"`
}

type SettlementConfig struct {
	MaxAttempts           int           `yaml:"maxAttempts"`
	AttendanceRetries     int           `yaml:"attendanceRetries"`
	DebitRetryMaxAttempts int           `yaml:"debitRetryMaxAttempts"`
	ReconcileInterval     time.Duration `yaml:"reconcileInterval"`
	ReconcileAge          time.Duration `yaml:"reconcileAge"`
}

type InfraConfig struct {
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addrs    string `yaml:"addrs"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

type KafkaTopics struct {
	PaymentConfirmations  string `yaml:"paymentConfirmations"`
	DebitRetry            string `yaml:"debitRetry"`
	DebitDLT              string `yaml:"debitDlt"`
	ConfirmationDLT       string `yaml:"confirmationDlt"`
	CheckoutNotifications string `yaml:"checkoutNotifications"`
}

type JaegerConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
}

type NacosConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
	DataID    string `yaml:"dataId"`
}

type GatewayConfig struct {
	BaseURL          string        `yaml:"baseUrl"`
	APIKey           string        `yaml:"apiKey"`
	WebhookSecret    string        `yaml:"webhookSecret"`
	WebhookTolerance time.Duration `yaml:"webhookTolerance"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig 本地开发用的默认值。
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			ServiceName:   "ticketing-service",
			Port:          8080,
			LogLevel:      "info",
			PublicBaseURL: "http://localhost:8080",
			Fees:          FeeConfig{Percent: "2.9", Fixed: "0.30"},
			Rails:         RailsConfig{Card: true, ApplePay: true, GooglePay: true, PaymentSheet: true, Redirect: true},
			Settlement: SettlementConfig{
				MaxAttempts:           5,
				AttendanceRetries:     2,
				DebitRetryMaxAttempts: 5,
				ReconcileInterval:     time.Minute,
				ReconcileAge:          5 * time.Minute,
			},
			IntentTTL: 30 * time.Minute,
		},
		Infra: InfraConfig{
			MySQL: MySQLConfig{DSN: "rally:rally@tcp(localhost:3306)/rally?parseTime=true&charset=utf8mb4&loc=UTC"},
			Redis: RedisConfig{Addrs: "localhost:6379"},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: KafkaTopics{
					PaymentConfirmations:  "payment-confirmations",
					DebitRetry:            "ledger-debit-retry",
					DebitDLT:              "ledger-debit-dlt",
					ConfirmationDLT:       "payment-confirmations-dlt",
					CheckoutNotifications: "checkout-notifications",
				},
			},
			Jaeger:    JaegerConfig{Endpoint: "http://localhost:14268/api/traces", SampleRatio: 1},
			Zookeeper: ZookeeperConfig{Servers: []string{"localhost:2181"}, SessionTimeout: 10 * time.Second},
			Nacos:     NacosConfig{Addrs: "localhost:8848", Group: "DEFAULT_GROUP", DataID: "ticketing-service.yaml"},
		},
		Gateway: GatewayConfig{
			BaseURL:          "http://localhost:12111",
			WebhookTolerance: 5 * time.Minute,
			Timeout:          10 * time.Second,
		},
	}
}

// ParseConfig 在默认值之上解析 YAML。
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse yaml config")
		}
	}
	return cfg, nil
}

// LoadConfig 读取配置文件（可为空），然后用环境变量覆盖。
func LoadConfig(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		data = b
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	overrideFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideFromEnv(cfg *Config) {
	cfg.App.ServiceName = getEnv("SERVICE_NAME", cfg.App.ServiceName)
	if v, err := strconv.Atoi(getEnv("PORT", "")); err == nil {
		cfg.App.Port = v
	}
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.App.PublicBaseURL = getEnv("PUBLIC_BASE_URL", cfg.App.PublicBaseURL)
	cfg.Infra.MySQL.DSN = getEnv("MYSQL_DSN", cfg.Infra.MySQL.DSN)
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Infra.Redis.Password)
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		cfg.Infra.Kafka.Brokers = strings.Split(v, ",")
	}
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	if v := getEnv("ZK_SERVERS", ""); v != "" {
		cfg.Infra.Zookeeper.Servers = strings.Split(v, ",")
	}
	if v := getEnv("NACOS_SERVER_ADDRS", ""); v != "" {
		cfg.Infra.Nacos.Addrs = v
		cfg.Infra.Nacos.Enabled = true
	}
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	cfg.Gateway.BaseURL = getEnv("GATEWAY_BASE_URL", cfg.Gateway.BaseURL)
	cfg.Gateway.APIKey = getEnv("GATEWAY_API_KEY", cfg.Gateway.APIKey)
	cfg.Gateway.WebhookSecret = getEnv("GATEWAY_WEBHOOK_SECRET", cfg.Gateway.WebhookSecret)
}

// Validate 检查配置的一致性。
func (c *Config) Validate() error {
	var problems []string
	if c.App.ServiceName == "" {
		problems = append(problems, "app.serviceName is required")
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		problems = append(problems, fmt.Sprintf("app.port %d is out of range", c.App.Port))
	}
	r := c.App.Rails
	if !r.Card && !r.ApplePay && !r.GooglePay && !r.PaymentSheet && !r.Redirect {
		problems = append(problems, "at least one payment rail must be enabled")
	}
	if c.App.Settlement.MaxAttempts <= 0 {
		problems = append(problems, "app.settlement.maxAttempts must be positive")
	}
	if c.App.IntentTTL <= 0 {
		problems = append(problems, "app.intentTtl must be positive")
	}
	if len(c.Infra.Kafka.Brokers) == 0 {
		problems = append(problems, "infra.kafka.brokers is required")
	}
	if c.Gateway.BaseURL == "" {
		problems = append(problems, "gateway.baseUrl is required")
	}
	if len(problems) > 0 {
		return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

var currentConfig atomic.Pointer[Config]

func init() {
	currentConfig.Store(DefaultConfig())
}

// GetCurrentConfig 返回当前配置快照，Nacos 推送后会被原子替换。
func GetCurrentConfig() *Config {
	return currentConfig.Load()
}

// SetCurrentConfig 替换当前配置。
func SetCurrentConfig(cfg *Config) {
	currentConfig.Store(cfg)
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}
