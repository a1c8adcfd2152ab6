package app

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/convergecrm/wabridge/config"
	"github.com/convergecrm/wabridge/internal/domain"
	"github.com/convergecrm/wabridge/pkg/common"
)

func getDatabase(cfg config.DBConfig, workdir string) *gorm.DB {
	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite", "sqlite3":
		path := filepath.Join(workdir, "data", cfg.Name+".db")
		dialector = sqlite.Open(path)
	default:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name)
		dialector = postgres.Open(dsn)
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		zap.S().Panicf("database connect failed: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		zap.S().Panicf("database handle unavailable: %v", err)
	}
	if cfg.MaxConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConn)
	}
	if cfg.IdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.IdleConn)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db
}

type settingDef struct {
	Type   string
	Name   string
	Value  string
	Remark string
}

var defaultSettings = []settingDef{
	{"system", "name", "wabridge", "Instance display name"},
	{"whatsapp", "auto_restore", "true", "Restart previously live sessions on boot"},
	{"whatsapp", "send_timeout_sec", "30", "Adapter send timeout"},
	{"watchdog", "max_workers", "16", "Parallel session checks per sweep"},
}

// checkSettings seeds the settings table with the defaults it is missing.
// Existing values are never touched.
func (a *Application) checkSettings() {
	for sort, def := range defaultSettings {
		var count int64
		a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", def.Type, def.Name).
			Count(&count)
		if count > 0 {
			continue
		}
		err := a.gormDB.Create(&domain.SysConfig{
			ID:     common.UUIDint64(),
			Sort:   sort,
			Type:   def.Type,
			Name:   def.Name,
			Value:  def.Value,
			Remark: def.Remark,
		}).Error
		if err != nil {
			zap.L().Error("failed to create default setting",
				zap.String("type", def.Type), zap.String("name", def.Name), zap.Error(err))
			continue
		}
		zap.L().Info("initialized setting",
			zap.String("key", def.Type+"."+def.Name), zap.String("default", def.Value))
	}
}

func (a *Application) settingValue(category, key string) string {
	var row domain.SysConfig
	err := a.gormDB.Where("type = ? and name = ?", category, key).First(&row).Error
	if err != nil {
		return ""
	}
	return row.Value
}

// GetSettingsStringValue retrieves a string configuration value
func (a *Application) GetSettingsStringValue(category, key string) string {
	return a.settingValue(category, key)
}

// GetSettingsInt64Value retrieves an int64 configuration value
func (a *Application) GetSettingsInt64Value(category, key string) int64 {
	return cast.ToInt64(a.settingValue(category, key))
}

// GetSettingsBoolValue retrieves a boolean configuration value
func (a *Application) GetSettingsBoolValue(category, key string) bool {
	return cast.ToBool(a.settingValue(category, key))
}

// SaveSettings upserts settings rows keyed "category.name".
func (a *Application) SaveSettings(settings map[string]interface{}) error {
	for key, value := range settings {
		var category, name string
		if idx := len(key); idx > 0 {
			parts := splitSettingKey(key)
			if parts == nil {
				zap.L().Warn("invalid setting key", zap.String("key", key))
				continue
			}
			category, name = parts[0], parts[1]
		}
		patch := map[string]interface{}{"value": cast.ToString(value), "updated_at": time.Now()}
		res := a.gormDB.Model(&domain.SysConfig{}).
			Where("type = ? and name = ?", category, name).
			Updates(patch)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			err := a.gormDB.Create(&domain.SysConfig{
				ID:    common.UUIDint64(),
				Type:  category,
				Name:  name,
				Value: cast.ToString(value),
			}).Error
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func splitSettingKey(key string) []string {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' && i > 0 && i < len(key)-1 {
			return []string{key[:i], key[i+1:]}
		}
	}
	return nil
}
