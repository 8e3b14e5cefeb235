package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "06-01-02 15:04:05" // yy-mm-dd HH:MM:ss

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// currentLogFile 当前写入的日志文件
	currentLogFile string
	// currentDay 当前日志文件所属日期（按天命名时使用）
	currentDay string
	// fileWriter 当前文件输出，切换时关闭
	fileWriter *lumberjack.Logger
	logMu      sync.Mutex
)

// Config 日志配置
type Config struct {
	Level      string // 日志级别: debug, info, warn, error
	OutputFile string // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize    int    // 单个文件最大大小（MB）
	MaxBackups int    // 保留的旧文件数量
	MaxAge     int    // 保留旧文件的天数
	Compress   bool   // 是否压缩旧文件
	LogByDay   bool   // 是否按日期命名：logs/hedge_a.log -> logs/hedge_a_2006-01-02.log
	Console    io.Writer
}

// dayFileName 按日期生成文件名
func dayFileName(basePath string, day string) string {
	dir := filepath.Dir(basePath)
	base := filepath.Base(basePath)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	file := fmt.Sprintf("%s_%s%s", name, day, ext)
	if dir == "." || dir == "" {
		return file
	}
	return filepath.Join(dir, file)
}

func formatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
		ForceColors:     true,
	}
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()
	return initLocked(config, time.Now())
}

func initLocked(config Config, now time.Time) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}

	console := config.Console
	if console == nil {
		console = os.Stdout
	}
	writers := []io.Writer{console}

	if config.OutputFile != "" {
		path := config.OutputFile
		if config.LogByDay {
			currentDay = now.Format("2006-01-02")
			path = dayFileName(config.OutputFile, currentDay)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if fileWriter != nil {
			_ = fileWriter.Close()
		}
		fileWriter = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fileWriter)
		currentLogFile = path
	}

	out := io.MultiWriter(writers...)
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(formatter())
	l.SetOutput(out)

	// 包级 logrus.WithField(...) 创建的 logger 走全局实例，这里同步输出
	logrus.SetOutput(out)
	logrus.SetLevel(level)
	logrus.SetFormatter(formatter())

	Logger = l
	return nil
}

// InitDefault 使用默认配置初始化日志系统
func InitDefault() error {
	return Init(Config{
		Level:      "info",
		OutputFile: "logs/hedge.log",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
		LogByDay:   true,
	})
}

// rotateIfDayChanged 日期变化时切换到新文件
func rotateIfDayChanged(config Config, now time.Time) (bool, error) {
	if !config.LogByDay || config.OutputFile == "" {
		return false, nil
	}
	logMu.Lock()
	defer logMu.Unlock()
	day := now.Format("2006-01-02")
	if day == currentDay {
		return false, nil
	}
	old := currentLogFile
	if err := initLocked(config, now); err != nil {
		return false, err
	}
	Logger.Infof("[日志切换] %s -> %s", old, currentLogFile)
	return true, nil
}

// StartRotationChecker 后台每分钟检查一次日期，stop 关闭后退出
func StartRotationChecker(config Config, stop <-chan struct{}) {
	if !config.LogByDay || config.OutputFile == "" {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				if _, err := rotateIfDayChanged(config, now); err != nil && Logger != nil {
					Logger.Errorf("检查日志轮转失败: %v", err)
				}
			}
		}
	}()
}

// Close 关闭文件输出
func Close() error {
	logMu.Lock()
	defer logMu.Unlock()
	if fileWriter == nil {
		return nil
	}
	err := fileWriter.Close()
	fileWriter = nil
	return err
}

func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

// GetCurrentLogFile 获取当前日志文件路径
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}
