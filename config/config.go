package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Session SessionConfig `mapstructure:"session"`
	Overlay OverlayConfig `mapstructure:"overlay"`
	Segment SegmentConfig `mapstructure:"segment"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Upload  UploadConfig  `mapstructure:"upload"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type SessionConfig struct {
	CanvasWidth  int           `mapstructure:"canvas_width"`
	CanvasHeight int           `mapstructure:"canvas_height"`
	TTL          time.Duration `mapstructure:"ttl"`
	SweepSpec    string        `mapstructure:"sweep_spec"`
}

type OverlayConfig struct {
	MaxSourceSize int `mapstructure:"max_source_size"`
}

// SegmentConfig worker / fallback 可选: onnx, remote, grabcut, none
type SegmentConfig struct {
	WorkerBackend   string        `mapstructure:"worker_backend"`
	FallbackBackend string        `mapstructure:"fallback_backend"`
	LazyLoad        bool          `mapstructure:"lazy_load"`
	QueueSize       int           `mapstructure:"queue_size"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Onnx            OnnxConfig    `mapstructure:"onnx"`
	Remote          RemoteConfig  `mapstructure:"remote"`
	GrabCut         GrabCutConfig `mapstructure:"grabcut"`
}

type OnnxConfig struct {
	LibraryPath string `mapstructure:"library_path"`
	ModelPath   string `mapstructure:"model_path"`
	InputName   string `mapstructure:"input_name"`
	OutputName  string `mapstructure:"output_name"`
	InputSize   int    `mapstructure:"input_size"`
	UseCuda     bool   `mapstructure:"use_cuda"`
	NumThreads  int    `mapstructure:"num_threads"`
}

type RemoteConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type GrabCutConfig struct {
	Iterations int `mapstructure:"iterations"`
	BorderSize int `mapstructure:"border_size"`
	KernelSize int `mapstructure:"kernel_size"`
	MaxSize    int `mapstructure:"max_size"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type UploadConfig struct {
	MaxSize      int64    `mapstructure:"max_size"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

// Load 从 YAML 文件加载配置
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PHOTOBOOTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// SegmentBudget 一次去背景的总时长：worker 与 fallback 各一个 Timeout，
// 且不超过写超时的 4/5，保证降级结果仍能写回客户端
func (c *Config) SegmentBudget() time.Duration {
	budget := 2 * c.Segment.Timeout
	if w := c.Server.WriteTimeout; w > 0 && budget > w*4/5 {
		budget = w * 4 / 5
	}
	return budget
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 150*time.Second)

	v.SetDefault("session.canvas_width", 1280)
	v.SetDefault("session.canvas_height", 720)
	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.sweep_spec", "@every 1m")

	v.SetDefault("overlay.max_source_size", 2048)

	v.SetDefault("segment.worker_backend", "onnx")
	v.SetDefault("segment.fallback_backend", "grabcut")
	v.SetDefault("segment.lazy_load", false)
	v.SetDefault("segment.queue_size", 1)
	v.SetDefault("segment.timeout", 60*time.Second)
	v.SetDefault("segment.onnx.model_path", "./rmbg_weights/model.onnx")
	v.SetDefault("segment.onnx.input_name", "input")
	v.SetDefault("segment.onnx.output_name", "output")
	v.SetDefault("segment.onnx.input_size", 1024)
	v.SetDefault("segment.onnx.num_threads", 4)
	v.SetDefault("segment.remote.base_url", "http://127.0.0.1:8188/")
	v.SetDefault("segment.remote.poll_interval", 500*time.Millisecond)
	v.SetDefault("segment.grabcut.iterations", 5)
	v.SetDefault("segment.grabcut.border_size", 10)
	v.SetDefault("segment.grabcut.kernel_size", 3)
	v.SetDefault("segment.grabcut.max_size", 1200)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("upload.max_size", 10*1024*1024)
	v.SetDefault("upload.allowed_types", []string{"image/jpeg", "image/png", "image/jpg", "image/webp", "image/gif"})
}

// Default 内置默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			Mode:         "debug",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 150 * time.Second,
		},
		Session: SessionConfig{
			CanvasWidth:  1280,
			CanvasHeight: 720,
			TTL:          30 * time.Minute,
			SweepSpec:    "@every 1m",
		},
		Overlay: OverlayConfig{
			MaxSourceSize: 2048,
		},
		Segment: SegmentConfig{
			WorkerBackend:   "onnx",
			FallbackBackend: "grabcut",
			QueueSize:       1,
			Timeout:         60 * time.Second,
			Onnx: OnnxConfig{
				ModelPath:  "./rmbg_weights/model.onnx",
				InputName:  "input",
				OutputName: "output",
				InputSize:  1024,
				NumThreads: 4,
			},
			Remote: RemoteConfig{
				BaseURL:      "http://127.0.0.1:8188/",
				PollInterval: 500 * time.Millisecond,
			},
			GrabCut: GrabCutConfig{
				Iterations: 5,
				BorderSize: 10,
				KernelSize: 3,
				MaxSize:    1200,
			},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  24 * time.Hour,
		},
		Upload: UploadConfig{
			MaxSize:      10 * 1024 * 1024,
			AllowedTypes: []string{"image/jpeg", "image/png", "image/jpg", "image/webp", "image/gif"},
		},
	}
}
