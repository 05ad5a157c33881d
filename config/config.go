package config

import (
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/viper"

	"consult-sync/constant"
	"consult-sync/pkg/audiocodec"
)

type Config struct {
	MinIOBucket string        `yaml:"minio_bucket"`
	App         App           `yaml:"app"`
	Server      Server        `yaml:"server"`
	Data        Data          `yaml:"data"`
	Engine      Engine        `yaml:"engine"`
	Audio       Audio         `yaml:"audio"`
	Storage     *minio.Client `yaml:"storage"`
}

type App struct {
	Environment string `yaml:"environment"`
	AuthToken   string `yaml:"auth_token"`
}

type Server struct {
	HttpPort string `yaml:"http_port"`
}

type Data struct {
	DatabasePath string `yaml:"database_path"`
	ChunksRoot   string `yaml:"chunks_root"`
}

type Engine struct {
	FlushThresholdSegments int             `yaml:"flush_threshold_segments"`
	MaxParallelUploads     int             `yaml:"max_parallel_uploads"`
	DiskLowThresholdBytes  int64           `yaml:"disk_low_threshold_bytes"`
	DiskCheckEverySegments int             `yaml:"disk_check_every_segments"`
	ContinuousRetryDelay   time.Duration   `yaml:"continuous_retry_delay"`
	ImmediateRetryBackoff  []time.Duration `yaml:"immediate_retry_backoff"`
	DrainTimeout           time.Duration   `yaml:"drain_timeout"`
	PreviewWindow          time.Duration   `yaml:"preview_window"`
}

type Audio struct {
	SampleRate int `yaml:"sample_rate"`
	BitDepth   int `yaml:"bit_depth"`
	Channels   int `yaml:"channels"`
}

func (c *Config) AudioFormat() audiocodec.Format {
	return audiocodec.Format{
		SampleRate: c.Audio.SampleRate,
		BitDepth:   c.Audio.BitDepth,
		Channels:   c.Audio.Channels,
	}
}

func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("engine.flush_threshold_segments", constant.DefaultFlushThresholdSegments)
	viper.SetDefault("engine.max_parallel_uploads", constant.DefaultMaxParallelUploads)
	viper.SetDefault("engine.disk_low_threshold_bytes", constant.DefaultDiskLowThresholdBytes)
	viper.SetDefault("engine.disk_check_every_segments", constant.DefaultDiskCheckEverySegments)
	viper.SetDefault("engine.continuous_retry_delay", constant.DefaultContinuousRetryDelay)
	viper.SetDefault("engine.immediate_retry_backoff", []string{"1s", "3s", "8s"})
	viper.SetDefault("engine.drain_timeout", constant.DefaultDrainTimeout)
	viper.SetDefault("engine.preview_window", constant.DefaultPreviewWindow)
	viper.SetDefault("audio.sample_rate", constant.DefaultSampleRate)
	viper.SetDefault("audio.bit_depth", constant.DefaultBitDepth)
	viper.SetDefault("audio.channels", constant.DefaultChannels)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	minioClient, err := minio.New(viper.GetString("minio.url"), &minio.Options{
		Creds:  credentials.NewStaticV4(viper.GetString("minio.access_id"), viper.GetString("minio.secret_access_key"), ""),
		Secure: viper.GetBool("minio.secure"),
	})
	if err != nil {
		return nil, err
	}

	backoffSchedule, err := parseBackoffSchedule(viper.GetStringSlice("engine.immediate_retry_backoff"))
	if err != nil {
		return nil, err
	}

	return &Config{
		MinIOBucket: viper.GetString("minio.bucket"),
		App: App{
			Environment: viper.GetString("app.environment"),
			AuthToken:   viper.GetString("app.auth_token"),
		},
		Server: Server{
			HttpPort: viper.GetString("server.port"),
		},
		Data: Data{
			DatabasePath: viper.GetString("data.database_path"),
			ChunksRoot:   viper.GetString("data.chunks_root"),
		},
		Engine: Engine{
			FlushThresholdSegments: viper.GetInt("engine.flush_threshold_segments"),
			MaxParallelUploads:     viper.GetInt("engine.max_parallel_uploads"),
			DiskLowThresholdBytes:  viper.GetInt64("engine.disk_low_threshold_bytes"),
			DiskCheckEverySegments: viper.GetInt("engine.disk_check_every_segments"),
			ContinuousRetryDelay:   viper.GetDuration("engine.continuous_retry_delay"),
			ImmediateRetryBackoff:  backoffSchedule,
			DrainTimeout:           viper.GetDuration("engine.drain_timeout"),
			PreviewWindow:          viper.GetDuration("engine.preview_window"),
		},
		Audio: Audio{
			SampleRate: viper.GetInt("audio.sample_rate"),
			BitDepth:   viper.GetInt("audio.bit_depth"),
			Channels:   viper.GetInt("audio.channels"),
		},
		Storage: minioClient,
	}, nil
}

func parseBackoffSchedule(raw []string) ([]time.Duration, error) {
	schedule := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, err
		}
		schedule = append(schedule, d)
	}
	return schedule, nil
}
