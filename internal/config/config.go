package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

type MainConfig struct {
	AppName string `toml:"appName"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	// SSLRedirect 开启后由 unrolled/secure 将 http 重定向到 https
	SSLRedirect bool `toml:"sslRedirect"`
}

type MysqlConfig struct {
	// Driver: mysql | sqlite
	Driver       string `toml:"driver"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	DatabaseName string `toml:"databaseName"`
	// SqlitePath 仅 driver=sqlite 时使用
	SqlitePath   string `toml:"sqlitePath"`
	MaxOpenConns int    `toml:"maxOpenConns"`
}

type LogConfig struct {
	LogPath    string `toml:"logPath"`
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"maxSizeMB"`
	MaxBackups int    `toml:"maxBackups"`
	MaxAgeDays int    `toml:"maxAgeDays"`
	Console    bool   `toml:"console"`
}

type JwtConfig struct {
	Key         string `toml:"key"`
	ExpireHours int    `toml:"expireHours"`
	Issuer      string `toml:"issuer"`
}

type MilvusConfig struct {
	Address        string `toml:"address"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	DBName         string `toml:"dbName"`
	CollectionName string `toml:"collectionName"`
	VectorDim      int    `toml:"vectorDim"`
	MetricType     string `toml:"metricType"`
}

type KafkaConfig struct {
	Brokers    []string `toml:"brokers"`
	ClientID   string   `toml:"clientID"`
	UsageTopic string   `toml:"usageTopic"`
}

type AIEmbeddingConfig struct {
	Provider       string `toml:"provider"`
	APIKey         string `toml:"apiKey"`
	BaseURL        string `toml:"baseURL"`
	Model          string `toml:"model"`
	Dimensions     int    `toml:"dimensions"`
	TimeoutSeconds int    `toml:"timeoutSeconds"`
}

type AIChatModelConfig struct {
	Provider        string `toml:"provider"`
	APIKey          string `toml:"apiKey"`
	AccessKey       string `toml:"accessKey"`
	SecretKey       string `toml:"secretKey"`
	BaseURL         string `toml:"baseURL"`
	Region          string `toml:"region"`
	Model           string `toml:"model"`
	TimeoutSeconds  int    `toml:"timeoutSeconds"`
	RetryTimes      int    `toml:"retryTimes"`
	ByAzure         bool   `toml:"byAzure"`
	AzureAPIVersion string `toml:"azureApiVersion"`
}

type AIConfig struct {
	Embedding AIEmbeddingConfig `toml:"embedding"`
	ChatModel AIChatModelConfig `toml:"chatModel"`
	// VisionModel 用于图片描述，未配置时复用 ChatModel
	VisionModel AIChatModelConfig `toml:"visionModel"`
	// QAPrompt 为空时使用内置 prompt
	QAPrompt      string `toml:"qaPrompt"`
	CaptionPrompt string `toml:"captionPrompt"`
}

type RedisConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"poolSize"`
	MinIdleConns int    `toml:"minIdleConns"`
}

// TrainingConfig 训练流水线参数，运行期通过 PipelineOptions() 固化后传入各组件
type TrainingConfig struct {
	GlobalMaxInFlight          int     `toml:"globalMaxInFlight"`
	PerOwnerMaxInFlight        int     `toml:"perOwnerMaxInFlight"`
	LeaseSeconds               int     `toml:"leaseSeconds"`
	PollIntervalMs             int     `toml:"pollIntervalMs"`
	MaxPollBackoffSeconds      int     `toml:"maxPollBackoffSeconds"`
	ClaimBatchSize             int     `toml:"claimBatchSize"`
	MaxRetries                 int     `toml:"maxRetries"`
	RetryBaseDelayMs           int     `toml:"retryBaseDelayMs"`
	RetryMaxDelaySeconds       int     `toml:"retryMaxDelaySeconds"`
	ProviderTimeoutSeconds     int     `toml:"providerTimeoutSeconds"`
	RateLimitMaxElapsedSeconds int     `toml:"rateLimitMaxElapsedSeconds"`
	RateLimitPollIntervalMs    int     `toml:"rateLimitPollIntervalMs"`
	ProviderRPM                int     `toml:"providerRPM"`
	ChunkSize                  int     `toml:"chunkSize"`
	OverlapRatio               float64 `toml:"overlapRatio"`
	MaxUnitsPerSubmission      int     `toml:"maxUnitsPerSubmission"`
	MaxUnitRunes               int     `toml:"maxUnitRunes"`
	ReindexBatchSize           int     `toml:"reindexBatchSize"`
	ReindexStepRetries         int     `toml:"reindexStepRetries"`
	FailedRetentionHours       int     `toml:"failedRetentionHours"`
	UsageBufferSize            int     `toml:"usageBufferSize"`
}

type Config struct {
	MainConfig     `toml:"mainConfig"`
	MysqlConfig    `toml:"mysqlConfig"`
	JwtConfig      `toml:"jwtConfig"`
	MilvusConfig   `toml:"milvusConfig"`
	KafkaConfig    `toml:"kafkaConfig"`
	AIConfig       `toml:"aiConfig"`
	LogConfig      `toml:"logConfig"`
	RedisConfig    `toml:"redisConfig"`
	TrainingConfig `toml:"trainingConfig"`
}

const defaultConfigPath = "configs/config_local.toml"

var (
	config   *Config
	configMu sync.Mutex
)

// Load 读取指定路径的配置文件并补齐默认值
func Load(path string) (*Config, error) {
	conf := Default()
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath
	}
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return conf, fmt.Errorf("decode config %s: %w", path, err)
	}
	conf.applyDefaults()
	return conf, nil
}

// Default 返回全部使用默认值的配置
func Default() *Config {
	conf := &Config{}
	conf.applyDefaults()
	return conf
}

func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "knowforge"
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.MysqlConfig.Driver == "" {
		c.MysqlConfig.Driver = "mysql"
	}
	if c.MilvusConfig.VectorDim <= 0 {
		c.MilvusConfig.VectorDim = 768
	}
	if c.KafkaConfig.UsageTopic == "" {
		c.KafkaConfig.UsageTopic = "knowforge.usage"
	}

	t := &c.TrainingConfig
	setDefault(&t.GlobalMaxInFlight, 30)
	setDefault(&t.PerOwnerMaxInFlight, 15)
	setDefault(&t.LeaseSeconds, 600)
	setDefault(&t.PollIntervalMs, 500)
	setDefault(&t.MaxPollBackoffSeconds, 30)
	setDefault(&t.ClaimBatchSize, 50)
	setDefault(&t.MaxRetries, 5)
	setDefault(&t.RetryBaseDelayMs, 1000)
	setDefault(&t.RetryMaxDelaySeconds, 300)
	setDefault(&t.ProviderTimeoutSeconds, 60)
	setDefault(&t.RateLimitMaxElapsedSeconds, 100)
	setDefault(&t.RateLimitPollIntervalMs, 1000)
	setDefault(&t.ProviderRPM, 600)
	setDefault(&t.ChunkSize, 512)
	if t.OverlapRatio <= 0 {
		t.OverlapRatio = 0.15
	}
	setDefault(&t.MaxUnitsPerSubmission, 10000)
	setDefault(&t.MaxUnitRunes, 16000)
	setDefault(&t.ReindexBatchSize, 500)
	setDefault(&t.ReindexStepRetries, 3)
	setDefault(&t.FailedRetentionHours, 168)
	setDefault(&t.UsageBufferSize, 1024)
}

// MaxProviderCallsPerJob 单个任务串行调用模型的最多次数（图片描述后再 embedding）
const MaxProviderCallsPerJob = 2

// WorstJobSeconds 单次调用可能先在限流等待 rateLimitMaxElapsed，再跑满 providerTimeout
func (t TrainingConfig) WorstJobSeconds() int {
	return MaxProviderCallsPerJob * (t.ProviderTimeoutSeconds + t.RateLimitMaxElapsedSeconds)
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Validate 检查互相约束的配置项
func (c *Config) Validate() error {
	t := c.TrainingConfig
	var errs []error
	if t.OverlapRatio < 0 || t.OverlapRatio >= 1 {
		errs = append(errs, fmt.Errorf("overlapRatio must be in [0,1), got %v", t.OverlapRatio))
	}
	if t.PerOwnerMaxInFlight > t.GlobalMaxInFlight {
		errs = append(errs, fmt.Errorf("perOwnerMaxInFlight %d exceeds globalMaxInFlight %d", t.PerOwnerMaxInFlight, t.GlobalMaxInFlight))
	}
	// 租约必须覆盖单个任务最坏耗时，否则正常执行中的任务会被重复领取
	if worst := t.WorstJobSeconds(); t.LeaseSeconds <= worst {
		errs = append(errs, fmt.Errorf("leaseSeconds %d must exceed worst-case job duration %ds (%d provider calls x (providerTimeoutSeconds+rateLimitMaxElapsedSeconds))", t.LeaseSeconds, worst, MaxProviderCallsPerJob))
	}
	d := strings.ToLower(c.MysqlConfig.Driver)
	if d != "mysql" && d != "sqlite" {
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.MysqlConfig.Driver))
	}
	return errors.Join(errs...)
}

// LoadConfig 从默认位置（或 KNOWFORGE_CONFIG）加载全局配置
func LoadConfig() error {
	path := strings.TrimSpace(os.Getenv("KNOWFORGE_CONFIG"))
	conf, err := Load(path)
	config = conf
	if err != nil {
		log.Printf("加载配置文件失败: %v, 使用默认设置", err)
		return err
	}
	return nil
}

// SetConfig 由 CLI 在显式指定配置文件时调用
func SetConfig(c *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	config = c
}

func GetConfig() *Config {
	configMu.Lock()
	defer configMu.Unlock()
	if config == nil {
		_ = LoadConfig()
	}
	return config
}
