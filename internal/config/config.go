// internal/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

// Config 存储应用配置
type Config struct {
	Port           string
	DataDir        string
	LogDir         string
	DebugMode      bool
	GeminiAPIKey   string
	TextModel      string
	ImageModel     string
	WorkerCount    int     // 子任务工作池大小
	GenerateRateQP float64 // 每秒允许的生成类调用次数
}

var (
	currentConfig *Config
	configMutex   sync.RWMutex
)

// GetCurrentConfig 获取当前配置，未加载时按默认值加载一次
func GetCurrentConfig() *Config {
	configMutex.RLock()
	if currentConfig != nil {
		defer configMutex.RUnlock()
		return currentConfig
	}
	configMutex.RUnlock()

	cfg, _ := Load()
	return cfg
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		Port:           getEnv("PORT", "8080"),
		DataDir:        getEnvPath("DATA_DIR", "data"),
		LogDir:         getEnvPath("LOG_DIR", "logs"),
		DebugMode:      getEnvBool("DEBUG_MODE", false),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		TextModel:      getEnv("GEMINI_TEXT_MODEL", "gemini-2.5-flash-preview-05-20"),
		ImageModel:     getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image-preview"),
		WorkerCount:    getEnvInt("WORKER_COUNT", 3),
		GenerateRateQP: getEnvFloat("GENERATE_RATE_QPS", 1.0),
	}

	if config.GeminiAPIKey == "" {
		// 只记录警告，不返回错误：测试与离线场景可注入假客户端
		log.Println("警告: 未设置GEMINI_API_KEY，外部生成能力将不可用")
	}

	configMutex.Lock()
	currentConfig = config
	configMutex.Unlock()

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			log.Printf("警告: 创建目录失败 %s: %v", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整数类型环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

// getEnvFloat 获取浮点类型环境变量
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f <= 0 {
		return defaultValue
	}
	return f
}
